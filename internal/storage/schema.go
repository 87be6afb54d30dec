package storage

// ColumnType is a backend-neutral column type. Each backend maps it to a
// native type (TypeBigInt is "bigint" on Postgres, "INTEGER" on SQLite,
// and so on).
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeBigInt
	TypeFloat
)

type ColumnSpec struct {
	Name string
	Type ColumnType
}

// TableSpec describes the target fact table for DDL generation. Columns
// holds the full ordered column list; KeyColumns names the subset forming
// the composite uniqueness constraint, in constraint order.
//
// Backends append their own bookkeeping columns (loaded_at, a surrogate
// row id where the store has no physical row address) when generating DDL.
type TableSpec struct {
	Name       string
	Columns    []ColumnSpec
	KeyColumns []string
}
