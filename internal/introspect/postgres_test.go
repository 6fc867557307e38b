package introspect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pthm/tablegate/schema"
)

func TestColumnType(t *testing.T) {
	tests := []struct {
		dataType, udt, want string
	}{
		{"integer", "int4", "integer"},
		{"ARRAY", "_int4", "int4[]"},
		{"ARRAY", "_text", "text[]"},
		{"USER-DEFINED", "geometry", "geometry"},
		{"timestamp with time zone", "timestamptz", "timestamp with time zone"},
	}
	for _, tt := range tests {
		t.Run(tt.udt, func(t *testing.T) {
			assert.Equal(t, tt.want, columnType(tt.dataType, tt.udt))
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, schema.BaseTable, kindOf("r"))
	assert.Equal(t, schema.BaseTable, kindOf("p"))
	assert.Equal(t, schema.View, kindOf("v"))
	assert.Equal(t, schema.View, kindOf("m"))
}

func TestPrivileges(t *testing.T) {
	assert.Nil(t, privileges(true, true, true, true))
	assert.Equal(t, []schema.Command{schema.Select, schema.Delete}, privileges(true, false, false, true))
	assert.Empty(t, privileges(false, false, false, false))
	assert.NotNil(t, privileges(false, false, false, false))
}

func TestKeep(t *testing.T) {
	tables := []schema.Table{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	got := keep(tables, []string{"c", "a"})
	assert.Equal(t, []schema.Table{{Name: "a"}, {Name: "c"}}, got)
}
