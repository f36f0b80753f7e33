package validators

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
)

type consentBody struct {
	ConsentID string `json:"consentId" validate:"required,max=64"`
	Version   int    `json:"version" validate:"gte=1"`
	Decision  string `json:"decision" validate:"required,oneof=granted withdrawn"`
}

func TestDecodeJSONBodyAccepts(t *testing.T) {
	r := httptest.NewRequest("POST", "/enrollment/consent",
		strings.NewReader(`{"consentId":"c-1","version":2,"decision":"granted"}`))

	var body consentBody
	require.NoError(t, DecodeJSONBody(r, &body))
	assert.Equal(t, "c-1", body.ConsentID)
}

func TestDecodeJSONBodyMalformed(t *testing.T) {
	r := httptest.NewRequest("POST", "/enrollment/consent", strings.NewReader(`{"consentId":`))

	var body consentBody
	err := DecodeJSONBody(r, &body)
	assert.Equal(t, pkgerrors.CodeMalformed, pkgerrors.CodeOf(err))
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest("POST", "/enrollment/consent",
		strings.NewReader(`{"consentId":"c-1","version":1,"decision":"granted","extra":true}`))

	var body consentBody
	err := DecodeJSONBody(r, &body)
	assert.Equal(t, pkgerrors.CodeMalformed, pkgerrors.CodeOf(err))
}

func TestDecodeJSONBodyRejectsTrailingData(t *testing.T) {
	r := httptest.NewRequest("POST", "/enrollment/consent",
		strings.NewReader(`{"consentId":"c-1","version":1,"decision":"granted"} {"consentId":"c-2"}`))

	var body consentBody
	err := DecodeJSONBody(r, &body)
	assert.Equal(t, pkgerrors.CodeMalformed, pkgerrors.CodeOf(err))
}

func TestDecodeJSONBodyRejectsOversizedBody(t *testing.T) {
	padding := strings.Repeat("x", maxBodyBytes)
	r := httptest.NewRequest("POST", "/enrollment/consent",
		strings.NewReader(`{"consentId":"`+padding+`","version":1,"decision":"granted"}`))

	var body consentBody
	err := DecodeJSONBody(r, &body)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeMalformed, typed.Code())
	assert.Equal(t, "request body too large", typed.Message())
}

func TestStructReportsFieldsByJSONName(t *testing.T) {
	err := Struct(&consentBody{Version: 0, Decision: "maybe"})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())

	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "is required", details["consentId"])
	assert.Equal(t, "must be greater than or equal to 1", details["version"])
	assert.Equal(t, "must be one of granted withdrawn", details["decision"])
}
