package api

import (
	"context"
	"net/http"
)

// MountOutput describes a mounted backend as reported by the server.
// Mounts are fixed at unseal time, so the API only supports listing them.
type MountOutput struct {
	Type        string `json:"type" mapstructure:"type"`
	Description string `json:"description" mapstructure:"description"`
	Accessor    string `json:"accessor" mapstructure:"accessor"`
	UUID        string `json:"uuid" mapstructure:"uuid"`
}

func (c *Sys) ListMounts() (map[string]*MountOutput, error) {
	return c.ListMountsWithContext(context.Background())
}

func (c *Sys) ListMountsWithContext(ctx context.Context) (map[string]*MountOutput, error) {
	mounts := map[string]*MountOutput{}
	if err := c.doResource(ctx, http.MethodGet, "/v1/sys/mounts", &mounts); err != nil {
		return nil, err
	}
	return mounts, nil
}

// StorageInfo reports the storage backend type and HA status of the node.
type StorageInfo struct {
	StorageType   string `json:"storage_type" mapstructure:"storage_type"`
	HAEnabled     bool   `json:"ha_enabled" mapstructure:"ha_enabled"`
	IsLeader      bool   `json:"is_leader" mapstructure:"is_leader"`
	LeaderAddress string `json:"leader_address" mapstructure:"leader_address"`
}

func (c *Sys) StorageInfo() (*StorageInfo, error) {
	return c.StorageInfoWithContext(context.Background())
}

func (c *Sys) StorageInfoWithContext(ctx context.Context) (*StorageInfo, error) {
	var info StorageInfo
	if err := c.doResource(ctx, http.MethodGet, "/v1/sys/storage/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}
