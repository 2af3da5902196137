package reference

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/example/component-matcher/internal/matcher"
)

// FallbackDescription is used for references without a catalog entry.
const FallbackDescription = "No detailed description available."

// CatalogEntry is one catalog row keyed by reference file name.
type CatalogEntry struct {
	FileName    string `json:"match_image"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Catalog maps reference file names to display metadata. It is read-only after construction.
type Catalog struct {
	entries map[string]matcher.ComponentInfo
}

// NewCatalog copies entries into a new catalog.
func NewCatalog(entries map[string]matcher.ComponentInfo) *Catalog {
	c := &Catalog{entries: make(map[string]matcher.ComponentInfo, len(entries))}
	for k, v := range entries {
		c.entries[k] = v
	}
	return c
}

// DefaultCatalog describes the components shipped in standard_components/.
func DefaultCatalog() *Catalog {
	return NewCatalog(map[string]matcher.ComponentInfo{
		"esp32_board.jpg": {
			Name:        "ESP32 Board",
			Description: "A microcontroller module with built-in Wi-Fi and Bluetooth, used for IoT projects, embedded systems, and robotics.",
		},
		"switch.jpg": {
			Name:        "Switch",
			Description: "An electrical component that opens or closes a circuit, controlling the flow of electricity to a device.",
		},
		"usb_port.jpg": {
			Name:        "USB Power Port",
			Description: "A connector used to supply power and data transfer, commonly for charging devices or powering electronics.",
		},
	})
}

type catalogFile struct {
	Components map[string]struct {
		Name        string `toml:"name"`
		Description string `toml:"description"`
	} `toml:"components"`
}

// LoadCatalog reads a TOML file of the form
//
//	[components."switch.jpg"]
//	name = "Switch"
//	description = "..."
func LoadCatalog(path string) (*Catalog, error) {
	var file catalogFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("load catalog %q: %w", path, err)
	}
	entries := make(map[string]matcher.ComponentInfo, len(file.Components))
	for fileName, c := range file.Components {
		entries[fileName] = matcher.ComponentInfo{Name: c.Name, Description: c.Description}
	}
	return NewCatalog(entries), nil
}

// Lookup returns the entry for fileName, if any.
func (c *Catalog) Lookup(fileName string) (matcher.ComponentInfo, bool) {
	info, ok := c.entries[fileName]
	return info, ok
}

// Describe implements matcher.Describer.
func (c *Catalog) Describe(fileName, name string) matcher.ComponentInfo {
	info, ok := c.entries[fileName]
	if !ok {
		return matcher.ComponentInfo{Name: name, Description: FallbackDescription}
	}
	if info.Name == "" {
		info.Name = name
	}
	if info.Description == "" {
		info.Description = FallbackDescription
	}
	return info
}

// Entries lists the catalog sorted by file name.
func (c *Catalog) Entries() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(c.entries))
	for fileName, info := range c.entries {
		out = append(out, CatalogEntry{FileName: fileName, Name: info.Name, Description: info.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out
}

// Digest changes whenever any entry's file name, name or description changes.
func (c *Catalog) Digest() string {
	digest := sha1.New()
	for _, e := range c.Entries() {
		fmt.Fprintf(digest, "%q:%q:%q\n", e.FileName, e.Name, e.Description)
	}
	return hex.EncodeToString(digest.Sum(nil))
}
