package fact

import "adsync/internal/storage"

// TableSpec builds the storage description of a fact table holding these
// records, derived from the same field table that drives the encoder and
// the bind values.
func TableSpec(table string) storage.TableSpec {
	spec := storage.TableSpec{
		Name:       table,
		KeyColumns: KeyColumns(),
	}
	for _, f := range fields {
		var t storage.ColumnType
		switch f.Kind {
		case fieldKey:
			t = storage.TypeText
		case fieldAdditive:
			t = storage.TypeBigInt
		case fieldDerived:
			t = storage.TypeFloat
		}
		spec.Columns = append(spec.Columns, storage.ColumnSpec{Name: f.Column, Type: t})
	}
	return spec
}
