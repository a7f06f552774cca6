package sentrystore

import "github.com/perimeterlabs/sentrystore/kv"

// Table names double as root bucket names inside the engine.
const (
	tableMeta           = "meta"
	tableModels         = "models"
	tableClassifiers    = "classifiers"
	tableClusters       = "clusters"
	tableOutliers       = "outliers"
	tableCategories     = "categories"
	tableTrustedDomains = "trusted_domains"
)

var allTables = []string{
	tableMeta,
	tableModels,
	tableClassifiers,
	tableClusters,
	tableOutliers,
	tableCategories,
	tableTrustedDomains,
}

// Record kinds, one per table. Stored in every value envelope so that a
// record landing in the wrong table is caught on decode rather than
// misinterpreted.
const (
	kindModel         kv.RecordKind = 0x01
	kindClassifier    kv.RecordKind = 0x02
	kindCluster       kv.RecordKind = 0x03
	kindOutlier       kv.RecordKind = 0x04
	kindCategory      kv.RecordKind = 0x05
	kindTrustedDomain kv.RecordKind = 0x06
)

// Per-kind format revisions. Legacy revisions are only ever read by the
// migration steps that retire them.
const (
	revModelLegacy uint8 = 1 // classifier blob embedded in the model record
	revModel       uint8 = 2

	revClassifier uint8 = 1

	revClusterLegacy uint8 = 1 // no score or labels
	revCluster       uint8 = 2

	revOutlierLegacy uint8 = 1 // keyed by insertion sequence
	revOutlier       uint8 = 2 // keyed by event content hash

	revCategory      uint8 = 1
	revTrustedDomain uint8 = 1
)
