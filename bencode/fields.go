package bencode

import (
	"fmt"
	"reflect"
	"sort"
)

type field struct {
	name  string
	index int
}

func structFields(ty reflect.Type) ([]field, error) {
	fields := make([]field, 0, ty.NumField())
	seen := make(map[string]bool)
	for i := 0; i != ty.NumField(); i++ {
		f := ty.Field(i)
		if !f.IsExported() {
			continue
		}
		t := f.Tag.Get("bencode")
		if t == "" {
			return nil, fmt.Errorf("expected bencode tag on %s.%s", ty.Name(), f.Name)
		}
		if seen[t] {
			return nil, fmt.Errorf("duplicate bencode tag %q on %s", t, ty.Name())
		}
		seen[t] = true
		fields = append(fields, field{t, i})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
	return fields, nil
}
