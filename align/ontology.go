package align

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Region is one entry of an atlas ontology
type Region struct {
	ID      uint32 `json:"id"`
	Acronym string `json:"acronym"`
	Name    string `json:"name,omitempty"`
}

// Ontology maps region IDs to display names. Names are opaque to the
// pipeline and only passed through for review and export.
type Ontology struct {
	regions map[uint32]Region
}

// NewOntology builds an ontology from a list of regions; ID 0 is always "bg"
func NewOntology(regions []Region) *Ontology {
	o := &Ontology{regions: map[uint32]Region{0: {ID: 0, Acronym: "bg", Name: "background"}}}
	for _, r := range regions {
		if r.ID == 0 {
			continue
		}
		o.regions[r.ID] = r
	}
	return o
}

// LoadOntology reads an ontology CSV with a header row containing at least
// "id" and "acronym" columns; a "name" column is used when present.
func LoadOntology(path string) (*Ontology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ontology: %w", err)
	}
	defer f.Close()
	return ParseOntology(f)
}

// ParseOntology reads ontology CSV from r
func ParseOntology(r io.Reader) (*Ontology, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read ontology header: %w", err)
	}

	idCol, acrCol, nameCol := -1, -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "id":
			idCol = i
		case "acronym":
			acrCol = i
		case "name":
			nameCol = i
		}
	}
	if idCol < 0 || acrCol < 0 {
		return nil, fmt.Errorf("ontology header must contain id and acronym columns, got %v", header)
	}

	var regions []Region
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ontology line %d: %w", line, err)
		}
		if idCol >= len(rec) || acrCol >= len(rec) {
			return nil, fmt.Errorf("ontology line %d: too few columns", line)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(rec[idCol]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("ontology line %d: invalid id %q: %w", line, rec[idCol], err)
		}
		reg := Region{ID: uint32(id), Acronym: strings.TrimSpace(rec[acrCol])}
		if nameCol >= 0 && nameCol < len(rec) {
			reg.Name = strings.TrimSpace(rec[nameCol])
		}
		regions = append(regions, reg)
	}
	return NewOntology(regions), nil
}

// Lookup returns the region entry for id
func (o *Ontology) Lookup(id uint32) (Region, bool) {
	if o == nil {
		return Region{}, false
	}
	r, ok := o.regions[id]
	return r, ok
}

// Acronym returns the short name of a region, or its numeric ID if unknown
func (o *Ontology) Acronym(id uint32) string {
	if r, ok := o.Lookup(id); ok && r.Acronym != "" {
		return r.Acronym
	}
	if id == 0 {
		return "bg"
	}
	return strconv.FormatUint(uint64(id), 10)
}

// ComponentName names the k-th connected piece of a region, e.g. "CA1_2"
func (o *Ontology) ComponentName(id uint32, k int) string {
	return fmt.Sprintf("%s_%d", o.Acronym(id), k)
}

// IDs returns every known non-background region ID in ascending order
func (o *Ontology) IDs() []uint32 {
	if o == nil {
		return nil
	}
	ids := make([]uint32, 0, len(o.regions))
	for id := range o.regions {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
