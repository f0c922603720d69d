package api

import (
	"github.com/tinyrange/vrdma/internal/vmm"
	"github.com/tinyrange/vrdma/internal/vmmconfig"
)

const rdmaResource = "rdma"

// ParsePutRdma turns a PUT /rdma/{id} body into an InsertRdmaDevice action.
// idFromPath is empty when the path has no id segment.
func ParsePutRdma(body []byte, idFromPath string) (vmm.Action, error) {
	PutRequestsTotal.WithLabelValues(rdmaResource).Inc()
	action, err := parsePutRdma(body, idFromPath)
	if err != nil {
		PutFailuresTotal.WithLabelValues(rdmaResource).Inc()
		return nil, err
	}
	return action, nil
}

func parsePutRdma(body []byte, idFromPath string) (vmm.Action, error) {
	if idFromPath == "" {
		return nil, ErrEmptyID
	}
	id, err := CheckedID(idFromPath)
	if err != nil {
		return nil, err
	}
	cfg, err := vmmconfig.ParseRdmaDeviceConfig(body)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	if cfg.ID != id {
		return nil, badRequest("The id from the path does not match the id from the body!")
	}
	return vmm.InsertRdmaDevice{Config: cfg}, nil
}
