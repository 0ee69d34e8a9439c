package collector

import (
	"encoding/json"
	"fmt"

	jmespath "github.com/jmespath-community/go-jmespath"

	apperrors "github.com/seoulquant/collector/internal/errors"
)

// extractRows projects an exchange payload into a normalized row slice using a
// jmespath expression, then decodes into out (a pointer to a slice of row
// structs). Keeping the field mapping in an expression means each adapter
// declares its payload shape in one place instead of a bespoke decoder.
func extractRows(doc any, expr string, out any) error {
	projected, err := jmespath.Search(expr, doc)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePermanent, "extract exchange payload")
	}
	if projected == nil {
		return apperrors.Permanent("exchange payload missing expected fields")
	}

	// Round-trip through JSON to land the untyped projection in typed rows.
	raw, err := json.Marshal(projected)
	if err != nil {
		return fmt.Errorf("encode projected payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePermanent, "decode projected payload")
	}
	return nil
}

// mustCompile panics on an invalid extraction expression. Expressions are
// adapter constants, so a failure here is a programming error caught at init.
func mustCompile(expr string) string {
	if _, err := jmespath.Compile(expr); err != nil {
		panic(fmt.Sprintf("invalid extraction expression %q: %v", expr, err))
	}
	return expr
}
