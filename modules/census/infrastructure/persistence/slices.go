package persistence

import (
	"fmt"
	"strings"
)

// Canonical slice chains for the census reference data. Order is load-bearing:
// each chain is a topological order of the foreign-key graph.

// TaxonomySlices resolves family -> genus -> species from a flat row carrying
// "family", "genus", "species_code" and optionally "species_name".
func TaxonomySlices() []Slice {
	return []Slice{
		{
			Name:         "family",
			Table:        "family",
			PrimaryKey:   "family_id",
			ConflictKeys: []string{"family"},
			BuildRow: func(sc SliceContext) (Row, error) {
				family, err := requireString(sc.Input, "family")
				if err != nil {
					return nil, err
				}
				return Row{"family": family}, nil
			},
		},
		{
			Name:         "genus",
			Table:        "genus",
			PrimaryKey:   "genus_id",
			ConflictKeys: []string{"genus"},
			BuildRow: func(sc SliceContext) (Row, error) {
				genus, err := requireString(sc.Input, "genus")
				if err != nil {
					return nil, err
				}
				return Row{"genus": genus, "family_id": sc.IDs["family"]}, nil
			},
		},
		{
			Name:         "species",
			Table:        "species",
			PrimaryKey:   "species_id",
			ConflictKeys: []string{"species_code"},
			BuildRow: func(sc SliceContext) (Row, error) {
				code, err := requireString(sc.Input, "species_code")
				if err != nil {
					return nil, err
				}
				row := Row{"species_code": code, "genus_id": sc.IDs["genus"]}
				if name, ok := optionalString(sc.Input, "species_name"); ok {
					row["species_name"] = name
				}
				return row, nil
			},
		},
	}
}

// TreeStemSlices extends the taxonomy chain with trees and stems, so one
// measurement row resolves its full entity hierarchy in five upserts.
func TreeStemSlices() []Slice {
	slices := TaxonomySlices()
	slices = append(slices,
		Slice{
			Name:         "trees",
			Table:        "trees",
			PrimaryKey:   "tree_id",
			ConflictKeys: []string{"tree_tag"},
			BuildRow: func(sc SliceContext) (Row, error) {
				tag, err := requireString(sc.Input, "tree_tag")
				if err != nil {
					return nil, err
				}
				return Row{"tree_tag": tag, "species_id": sc.IDs["species"]}, nil
			},
		},
		Slice{
			Name:         "stems",
			Table:        "stems",
			PrimaryKey:   "stem_id",
			ConflictKeys: []string{"stem_tag", "tree_id"},
			BuildRow: func(sc SliceContext) (Row, error) {
				tag, err := requireString(sc.Input, "stem_tag")
				if err != nil {
					return nil, err
				}
				row := Row{"stem_tag": tag, "tree_id": sc.IDs["trees"]}
				if x, ok := sc.Input["local_x"]; ok {
					row["local_x"] = x
				}
				if y, ok := sc.Input["local_y"]; ok {
					row["local_y"] = y
				}
				if id, ok := sc.IDs["quadrats"]; ok {
					row["quadrat_id"] = id
				}
				return row, nil
			},
		},
	)
	return slices
}

// PersonnelSlices resolves role -> personnel for census field crews.
func PersonnelSlices() []Slice {
	return []Slice{
		{
			Name:         "role",
			Table:        "roles",
			PrimaryKey:   "role_id",
			ConflictKeys: []string{"role_name"},
			BuildRow: func(sc SliceContext) (Row, error) {
				role, err := requireString(sc.Input, "role_name")
				if err != nil {
					return nil, err
				}
				return Row{"role_name": role}, nil
			},
		},
		{
			Name:         "personnel",
			Table:        "personnel",
			PrimaryKey:   "personnel_id",
			ConflictKeys: []string{"first_name", "last_name"},
			BuildRow: func(sc SliceContext) (Row, error) {
				first, err := requireString(sc.Input, "first_name")
				if err != nil {
					return nil, err
				}
				last, err := requireString(sc.Input, "last_name")
				if err != nil {
					return nil, err
				}
				return Row{"first_name": first, "last_name": last, "role_id": sc.IDs["role"]}, nil
			},
		},
	}
}

// QuadratSlices resolves the plot's survey grid cells.
func QuadratSlices() []Slice {
	return []Slice{
		{
			Name:         "quadrats",
			Table:        "quadrats",
			PrimaryKey:   "quadrat_id",
			ConflictKeys: []string{"quadrat_name", "plot_id"},
			BuildRow: func(sc SliceContext) (Row, error) {
				name, err := requireString(sc.Input, "quadrat_name")
				if err != nil {
					return nil, err
				}
				plotID, ok := sc.Input["plot_id"]
				if !ok {
					return nil, fmt.Errorf("missing required field %q", "plot_id")
				}
				return Row{"quadrat_name": name, "plot_id": plotID}, nil
			},
		},
	}
}

func requireString(row Row, key string) (string, error) {
	v, ok := optionalString(row, key)
	if !ok {
		return "", fmt.Errorf("missing required field %q", key)
	}
	return v, nil
}

func optionalString(row Row, key string) (string, bool) {
	v, ok := row[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}
