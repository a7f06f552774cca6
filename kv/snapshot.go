package kv

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// Snapshot file format: the magic string, then a snappy-framed stream of
// tagged entries. Each bucket opens with tagBucket followed by its
// length-prefixed name and sub name; its pairs follow as tagPair entries
// with length-prefixed key and value. tagEnd closes the stream.
var snapshotMagic = []byte("SKVS\x01")

const (
	tagBucket = 0x01
	tagPair   = 0x02
	tagEnd    = 0x00
)

// WriteSnapshot writes a consistent point-in-time snapshot of the whole
// store to w. With flush set, buffered writes are synced to stable storage
// first (slower, but the snapshot then reflects everything acknowledged so
// far even on backends with delayed sync). The snapshot is taken inside one
// read transaction and can never contain a partially applied multi-key
// write.
func WriteSnapshot(db *DB, w io.Writer, flush bool) error {
	if flush {
		if err := db.eng.Sync(); err != nil {
			return fmt.Errorf("kv: snapshot sync: %w", err)
		}
	}
	if _, err := w.Write(snapshotMagic); err != nil {
		return err
	}
	sw := snappy.NewBufferedWriter(w)
	err := db.View(func(tx *Tx) error {
		return tx.etx.ForEachBucket(func(name, sub string, b Bucket) error {
			if err := writeTagged(sw, tagBucket, []byte(name), []byte(sub)); err != nil {
				return err
			}
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if v == nil {
					// Nested-bucket marker in a Bolt root bucket.
					continue
				}
				if err := writeTagged(sw, tagPair, k, v); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if _, err := sw.Write([]byte{tagEnd}); err != nil {
		return err
	}
	return sw.Close()
}

// RestoreSnapshot replaces the entire contents of the store with the
// snapshot read from r. The replacement happens in one writable
// transaction: readers see either the old state or the restored state,
// never a mixture.
func RestoreSnapshot(db *DB, r io.Reader) error {
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("kv: reading snapshot header: %w", err)
	}
	if string(magic) != string(snapshotMagic) {
		return fmt.Errorf("kv: not a snapshot file")
	}
	br := bufio.NewReader(snappy.NewReader(r))

	return db.Update(func(tx *Tx) error {
		// Drop every existing root bucket first.
		var roots []string
		err := tx.etx.ForEachBucket(func(name, sub string, b Bucket) error {
			if sub == "" {
				roots = append(roots, name)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range roots {
			if err := tx.etx.DeleteBucket(name, ""); err != nil {
				return err
			}
		}

		var buck Bucket
		for {
			tag, err := br.ReadByte()
			if err != nil {
				return fmt.Errorf("kv: reading snapshot: %w", err)
			}
			switch tag {
			case tagEnd:
				return nil
			case tagBucket:
				name, err := readChunk(br)
				if err != nil {
					return err
				}
				sub, err := readChunk(br)
				if err != nil {
					return err
				}
				buck, err = tx.etx.CreateBucket(string(name), string(sub))
				if err != nil {
					return err
				}
			case tagPair:
				k, err := readChunk(br)
				if err != nil {
					return err
				}
				v, err := readChunk(br)
				if err != nil {
					return err
				}
				if buck == nil {
					return fmt.Errorf("kv: snapshot pair before bucket")
				}
				if err := buck.Put(k, v); err != nil {
					return err
				}
			default:
				return fmt.Errorf("kv: unknown snapshot tag 0x%02x", tag)
			}
		}
	})
}

func writeTagged(w io.Writer, tag byte, a, b []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	if _, err := w.Write([]byte{tag}); err != nil {
		return err
	}
	for _, chunk := range [][]byte{a, b} {
		n := binary.PutUvarint(lenBuf[:], uint64(len(chunk)))
		if _, err := w.Write(lenBuf[:n]); err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

func readChunk(br *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("kv: reading snapshot: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("kv: reading snapshot: %w", err)
	}
	return buf, nil
}
