package sentrystore

import "github.com/perimeterlabs/sentrystore/kv"

// TrustedDomain is a domain name excluded from outlier reporting, with an
// optional analyst remark.
type TrustedDomain struct {
	Name   string `msgpack:"-"`
	Remark string `msgpack:"remark,omitempty"`
}

var trustedDomainsTable = kv.NewTable(kv.TableSpec[string, TrustedDomain]{
	Name:    tableTrustedDomains,
	Keys:    kv.StringKey{},
	Kind:    kindTrustedDomain,
	Rev:     revTrustedDomain,
	Version: latestSchemaVersion,
	KeyInto: func(d *TrustedDomain, name string) { d.Name = name },
})

// AddTrustedDomain records a trusted domain, replacing any existing remark.
func (s *Store) AddTrustedDomain(name, remark string) error {
	return s.db.Update(func(tx *kv.Tx) error {
		return trustedDomainsTable.Put(tx, name, &TrustedDomain{Remark: remark})
	})
}

// RemoveTrustedDomain deletes a trusted domain, reporting whether it was
// present.
func (s *Store) RemoveTrustedDomain(name string) (bool, error) {
	var deleted bool
	err := s.db.Update(func(tx *kv.Tx) error {
		var err error
		deleted, err = trustedDomainsTable.Delete(tx, name)
		return err
	})
	return deleted, err
}

// IsTrustedDomain reports whether the exact domain name is trusted.
func (s *Store) IsTrustedDomain(name string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *kv.Tx) error {
		var err error
		ok, err = trustedDomainsTable.Exists(tx, name)
		return err
	})
	return ok, err
}

// ListTrustedDomains returns all trusted domains in name order.
func (s *Store) ListTrustedDomains() ([]TrustedDomain, error) {
	var out []TrustedDomain
	err := s.db.View(func(tx *kv.Tx) error {
		for e := range trustedDomainsTable.Scan(tx, nil) {
			if e.Err != nil {
				return e.Err
			}
			out = append(out, *e.Record)
		}
		return nil
	})
	return out, err
}
