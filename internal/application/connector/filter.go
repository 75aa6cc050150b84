package connector

import (
	"strings"

	"github.com/erp/connector/internal/domain/erp"
	"gorm.io/gorm"
)

// TenantFilter restricts queries to one tenant and, when set, one business unit.
type TenantFilter struct {
	TenantID     string
	BusinessUnit string
	// Table qualifies the columns, for queries that join several tenant tables.
	Table string
}

// FilterFor returns the filter matching id.
func FilterFor(id *erp.Identity) TenantFilter {
	return TenantFilter{TenantID: id.TenantID(), BusinessUnit: id.BusinessUnit()}
}

// On returns a copy of f qualified with table.
func (f TenantFilter) On(table string) TenantFilter {
	f.Table = table
	return f
}

func (f TenantFilter) column(name string) string {
	if f.Table == "" {
		return name
	}
	return f.Table + "." + name
}

// Fragment renders f as a SQL condition with positional placeholders.
//
//	clause, args := FilterFor(id).On("o").Fragment()
//	db.Raw("SELECT * FROM orders o WHERE "+clause, args...)
func (f TenantFilter) Fragment() (string, []any) {
	parts := []string{f.column("tenant_id") + " = ?"}
	args := []any{f.TenantID}
	if f.BusinessUnit != "" {
		parts = append(parts, f.column("business_unit")+" = ?")
		args = append(args, f.BusinessUnit)
	}
	return strings.Join(parts, " AND "), args
}

// Scope applies f to a GORM query.
func (f TenantFilter) Scope() func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		clause, args := f.Fragment()
		return db.Where(clause, args...)
	}
}
