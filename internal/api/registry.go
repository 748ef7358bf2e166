package api

import (
	"github.com/tsb46/fmri-findviz-sub001/internal/service"
	"github.com/tsb46/fmri-findviz-sub001/internal/viewer"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DatasetEntry pairs a dataset's viewer service with its navigation
// session.
type DatasetEntry struct {
	Service *service.ViewerService
	Session *viewer.Session
}

// DatasetRegistry holds the viewer service and session for every
// configured dataset.
type DatasetRegistry struct {
	entries        map[string]*DatasetEntry
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		entries:        make(map[string]*DatasetEntry),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a dataset's service and session.
func (r *DatasetRegistry) Register(datasetID string, svc *service.ViewerService, sess *viewer.Session) {
	r.entries[datasetID] = &DatasetEntry{Service: svc, Session: sess}
}

// Get returns the entry for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *DatasetEntry {
	return r.entries[datasetID]
}

// Default returns the default dataset's entry.
func (r *DatasetRegistry) Default() *DatasetEntry {
	return r.entries[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "findviz"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	ids := r.DatasetIDs()
	infos := make([]DatasetInfo, 0, len(ids))
	for _, id := range ids {
		// Use the config ID as the display name (user-defined in server.yaml)
		infos = append(infos, DatasetInfo{
			ID:   id,
			Name: id,
		})
	}
	return infos
}
