package render

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubstitutes(t *testing.T) {
	out, err := Render("upstream {{UPSTREAM_NAME}} { server 127.0.0.1:{{ PORT }}; }", map[string]string{
		"UPSTREAM_NAME": "app_blue",
		"PORT":          "5200",
	})
	require.NoError(t, err)
	assert.Equal(t, "upstream app_blue { server 127.0.0.1:5200; }", out)
}

func TestRenderFailsClosed(t *testing.T) {
	_, err := Render("{{A}} {{B}} {{A}} {{C}}", map[string]string{"B": "b"})
	require.Error(t, err)

	var missing *MissingVariableError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"A", "C"}, missing.Names)
	assert.Equal(t, "missing template variable A, C", err.Error())
}

func TestRenderAllowsEmptyValues(t *testing.T) {
	out, err := Render("a{{X}}b", map[string]string{"X": ""})
	require.NoError(t, err)
	assert.Equal(t, "ab", out)
}

func TestRenderIsDeterministic(t *testing.T) {
	vars := map[string]string{"A": "1", "B": "2"}
	first, err := Render("{{B}}-{{A}}", vars)
	require.NoError(t, err)
	second, err := Render("{{B}}-{{A}}", vars)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"B", "A"}, Placeholders("{{B}} {{ A }} {{B}}"))
	assert.Empty(t, Placeholders("no placeholders, ${NGINX_VAR}"))
}
