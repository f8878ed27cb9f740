package boardsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/ordersync_backend/models"
)

// fieldSeparator joins name=value pairs in the fingerprint input. The unit
// separator cannot appear in business data, so the encoding is unambiguous.
const fieldSeparator = "\x1f"

// FingerprintFields computes the content digest over a set of business
// fields. Field names are sorted lexicographically before hashing so the
// digest is independent of map iteration order.
func FingerprintFields(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString(fieldSeparator)
		}
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(fields[name])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// FingerprintSourceOrder validates the business key and digests the order's
// business fields, including its size lines. Bookkeeping fields (ids,
// timestamps, the fingerprint itself) are excluded. Pure: identical input
// always yields the identical digest.
func FingerprintSourceOrder(o *models.SourceOrder) (string, error) {
	if err := validateBusinessKey(o); err != nil {
		return "", err
	}

	fields := map[string]string{
		"customer":  strings.TrimSpace(o.Customer),
		"po_number": strings.TrimSpace(o.PoNumber),
		"style":     strings.TrimSpace(o.Style),
		"color":     strings.TrimSpace(o.Color),
		"season":    strings.TrimSpace(o.Season),
		"division":  strings.TrimSpace(o.Division),
		"notes":     strings.TrimSpace(o.Notes),
	}
	if o.ShipDate != nil {
		fields["ship_date"] = o.ShipDate.UTC().Format("2006-01-02")
	}
	for _, size := range o.Sizes {
		fields["size:"+strings.TrimSpace(size.SizeLabel)] = size.Quantity.String()
	}
	return FingerprintFields(fields), nil
}

func validateBusinessKey(o *models.SourceOrder) error {
	missing := make([]string, 0, 3)
	if strings.TrimSpace(o.Customer) == "" {
		missing = append(missing, "customer")
	}
	if strings.TrimSpace(o.PoNumber) == "" {
		missing = append(missing, "po_number")
	}
	if strings.TrimSpace(o.Style) == "" {
		missing = append(missing, "style")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: source_order id=%d missing %s", ErrMalformedRecord, o.ID, strings.Join(missing, ", "))
	}
	return nil
}

// Classify maps a (current, prior) fingerprint pair to a delta kind.
func Classify(current string, currentExists bool, prior string, priorExists bool) DeltaKind {
	switch {
	case currentExists && !priorExists:
		return DeltaNew
	case !currentExists && priorExists:
		return DeltaDeleted
	case current == prior:
		return DeltaUnchanged
	default:
		return DeltaChanged
	}
}
