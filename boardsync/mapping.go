package boardsync

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"bitbucket.org/mmdatafocus/ordersync_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FieldRule is one source-field mapping: the remote column id plus an
// optional value-coercion rule.
type FieldRule struct {
	RemoteField  string
	CoercionRule string
}

// FieldMap is the immutable source-field → remote-column lookup handed to the
// engine at construction time. It is never mutated after NewFieldMap.
type FieldMap struct {
	byEntity map[string]map[string]FieldRule
}

func NewFieldMap(rows []models.FieldMapping) *FieldMap {
	byEntity := make(map[string]map[string]FieldRule)
	for _, row := range rows {
		rules, ok := byEntity[row.EntityType]
		if !ok {
			rules = make(map[string]FieldRule)
			byEntity[row.EntityType] = rules
		}
		rules[row.SourceField] = FieldRule{
			RemoteField:  row.RemoteField,
			CoercionRule: row.CoercionRule,
		}
	}
	return &FieldMap{byEntity: byEntity}
}

func LoadFieldMap(ctx context.Context, db *gorm.DB, businessId string) (*FieldMap, error) {
	var rows []models.FieldMapping
	if err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return NewFieldMap(rows), nil
}

// Apply maps the source fields of one entity onto remote column ids,
// coercing each value per its rule. Source fields without a mapping row are
// dropped; the platform only accepts known column ids.
func (m *FieldMap) Apply(entityType string, source map[string]any) map[string]any {
	rules, ok := m.byEntity[entityType]
	if !ok || len(rules) == 0 {
		return map[string]any{}
	}
	remote := make(map[string]any, len(rules))
	for field, rule := range rules {
		value, ok := source[field]
		if !ok {
			continue
		}
		remote[rule.RemoteField] = coerce(value, rule.CoercionRule)
	}
	return remote
}

func coerce(value any, rule string) any {
	switch strings.ToLower(strings.TrimSpace(rule)) {
	case "upper":
		if s, ok := value.(string); ok {
			return strings.ToUpper(s)
		}
	case "date":
		if t, ok := value.(time.Time); ok {
			return t.UTC().Format("2006-01-02")
		}
		if t, ok := value.(*time.Time); ok && t != nil {
			return t.UTC().Format("2006-01-02")
		}
	case "decimal":
		if d, ok := value.(decimal.Decimal); ok {
			return d.String()
		}
		if s, ok := value.(string); ok {
			if d, err := utils.ParseDecimal(s); err == nil {
				return d.String()
			}
		}
	case "trim":
		if s, ok := value.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return value
}

// headerPayload builds the item payload for a staged order header.
func headerPayload(fields *FieldMap, header *models.OrderHeaderStage, remoteGroupId string) Payload {
	source := map[string]any{
		"customer":  header.Customer,
		"po_number": header.PoNumber,
		"style":     header.Style,
		"color":     header.Color,
		"season":    header.Season,
	}
	payload := Payload{
		RefKey:  header.BusinessKey,
		Name:    header.PoNumber + " " + header.Style,
		GroupId: remoteGroupId,
		Fields:  fields.Apply("header", source),
	}
	if header.RemoteItemId != nil {
		payload.RemoteId = *header.RemoteItemId
	}
	return payload
}

// linePayload builds the subitem payload for a staged order line.
func linePayload(fields *FieldMap, work LineWork) Payload {
	source := map[string]any{
		"size_label": work.Line.SizeLabel,
		"quantity":   work.Line.Quantity,
	}
	payload := Payload{
		RefKey:   work.Line.LineKey,
		Name:     work.Line.SizeLabel,
		ParentId: work.ParentRemoteId,
		Fields:   fields.Apply("line", source),
	}
	if work.Line.RemoteChildId != nil {
		payload.RemoteId = *work.Line.RemoteChildId
	}
	return payload
}

// groupPayload builds the payload creating a customer-season group.
func groupPayload(group *models.BoardGroup) Payload {
	title := group.Customer
	if group.Season != "" {
		title = group.Customer + " / " + group.Season
	}
	return Payload{
		RefKey: group.GroupKey,
		Name:   title,
	}
}
