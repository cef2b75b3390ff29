package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"visioner-rules/executor/ruleelement"
)

// DiscoveryPath is where the content server publishes its discovery document.
const DiscoveryPath = "/.well-known/visioner"

// Discovery is the response from /.well-known/visioner.
type Discovery struct {
	Version     string `json:"version"`
	Service     string `json:"service"`
	Description string `json:"description"`
	CatalogETag string `json:"catalog_etag"`
	Packs       struct {
		Files []string `json:"files"`
	} `json:"packs"`
}

// Catalog is a set of named rule elements loaded from content packs.
type Catalog map[string]*ruleelement.RuleElement

// FetchDiscovery fetches and parses the discovery document.
func FetchDiscovery(ctx context.Context, client *http.Client, serverURL string) (*Discovery, error) {
	data, err := fetchFile(ctx, client, strings.TrimSuffix(serverURL, "/")+DiscoveryPath)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery: %w", err)
	}
	var disc Discovery
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, fmt.Errorf("decode discovery: %w", err)
	}
	return &disc, nil
}

// LoadCatalog fetches the pack files listed in the discovery doc and
// validates them as one unified pack. Effects that fail validation are left
// out of the catalog and returned in Rejected.
func LoadCatalog(ctx context.Context, client *http.Client, serverURL string, disc *Discovery, schema *ruleelement.Schema) (Catalog, ruleelement.Rejected, error) {
	files := make([]ruleelement.File, 0, len(disc.Packs.Files))
	for _, filePath := range disc.Packs.Files {
		data, err := fetchFile(ctx, client, strings.TrimSuffix(serverURL, "/")+filePath)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch %s: %w", filePath, err)
		}
		files = append(files, ruleelement.File{Name: path.Base(filePath), Data: data})
	}
	effects, rejected, err := schema.DecodePack(files)
	if err != nil {
		return nil, nil, err
	}
	return Catalog(effects), rejected, nil
}

func fetchFile(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
