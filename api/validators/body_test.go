package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

type triggerBody struct {
	Reference string `json:"checkoutReference" validate:"required,max=90"`
	Status    string `json:"status,omitempty" validate:"omitempty,oneof=PAID FAILED"`
}

func decode(t *testing.T, body string) (triggerBody, error) {
	t.Helper()
	var dest triggerBody
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	return dest, DecodeJSONBody(req, &dest)
}

func TestDecodeJSONBody(t *testing.T) {
	got, err := decode(t, `{"checkoutReference":"ref-1"}`)
	require.NoError(t, err)
	assert.Equal(t, "ref-1", got.Reference)
}

func TestDecodeJSONBodyReportsFieldsByJSONName(t *testing.T) {
	_, err := decode(t, `{"status":"LOST"}`)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "is required", details["checkoutReference"])
	assert.Equal(t, "must be one of [PAID FAILED]", details["status"])
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	_, err := decode(t, `{"checkoutReference":"ref-1","extra":true}`)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))

	_, err = decode(t, `{`)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  abcdef ", 3))
	assert.Equal(t, "abc", SanitizeString(" abc ", 0))
}
