package migration

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm/schema"
)

// MySQL refuses TEXT/BLOB columns in a key without a prefix length, so every
// primary or indexed column must map to a sized type.
func TestModelsMigrateOnMySQL(t *testing.T) {
	dialector := mysql.Dialector{Config: &mysql.Config{}}
	cache := &sync.Map{}

	for _, model := range models() {
		sch, err := schema.Parse(model, cache, schema.NamingStrategy{})
		require.NoError(t, err)

		keyed := make(map[string]*schema.Field)
		for _, f := range sch.PrimaryFields {
			keyed[f.DBName] = f
		}
		for _, idx := range sch.ParseIndexes() {
			for _, opt := range idx.Fields {
				keyed[opt.DBName] = opt.Field
			}
		}

		for name, f := range keyed {
			typ := strings.ToLower(dialector.DataTypeOf(f))
			assert.NotContains(t, typ, "text", "%s.%s", sch.Table, name)
			assert.NotContains(t, typ, "blob", "%s.%s", sch.Table, name)
		}

		for _, f := range sch.Fields {
			typ := strings.ToLower(f.TagSettings["TYPE"])
			assert.NotContains(t, []string{"jsonb", "text", "uuid"}, typ, "%s.%s pins a dialect-specific type", sch.Table, f.DBName)
		}
	}
}
