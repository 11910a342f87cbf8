package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openroads/roadsurvey/internal/model"
)

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()

	attr, ok := reg.Lookup(model.AttrRainfall)
	require.True(t, ok)
	assert.True(t, attr.Continuous)
	assert.Equal(t, 5000.0, attr.BucketWidthOrDefault())

	attr, ok = reg.Lookup(model.AttrCarriagewayWidth)
	require.True(t, ok)
	assert.Equal(t, 10.0, attr.BucketWidthOrDefault())

	attr, ok = reg.Lookup(model.AttrNumberLanes)
	require.True(t, ok)
	assert.Equal(t, 1.0, attr.BucketWidthOrDefault())

	attr, ok = reg.Lookup(model.AttrSurfaceType)
	require.True(t, ok)
	assert.False(t, attr.Continuous)

	_, ok = reg.Lookup("roughness")
	assert.False(t, ok)

	assert.Contains(t, reg.Names(), model.AttrAssetCondition)
}

func TestBucketWidthOrDefault(t *testing.T) {
	assert.Equal(t, DefaultBucketWidth, Attribute{Name: "x", Continuous: true}.BucketWidthOrDefault())
	assert.Equal(t, 25.0, Attribute{Name: "x", Continuous: true, BucketWidth: 25}.BucketWidthOrDefault())
}

func TestLoadRegistryFromYAML(t *testing.T) {
	yaml := `
attributes:
  - name: surface_type
  - name: rainfall
    continuous: true
    bucket_width: 2500
value_maps:
  legacy_shapefile:
    G: gravel
    P: paved
`
	path := filepath.Join(t.TempDir(), "attributes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	attr, ok := reg.Lookup("rainfall")
	require.True(t, ok)
	assert.Equal(t, 2500.0, attr.BucketWidthOrDefault())

	mapped, err := reg.MapValue("legacy_shapefile", "G")
	require.NoError(t, err)
	assert.Equal(t, "gravel", mapped)
}

func TestLoadRegistry_EmptyDeclaration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attributes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("value_maps: {}\n"), 0o644))

	_, err := LoadRegistry(path)
	require.Error(t, err)
}

func TestMapValue(t *testing.T) {
	reg := DefaultRegistry()
	reg.ValueMaps = map[string]map[string]string{
		"legacy_shapefile": {"G": "gravel"},
	}

	// Unregistered dialects pass through unchanged.
	v, err := reg.MapValue("field_app", "anything")
	require.NoError(t, err)
	assert.Equal(t, "anything", v)

	v, err = reg.MapValue("legacy_shapefile", "G")
	require.NoError(t, err)
	assert.Equal(t, "gravel", v)

	// Registered dialects must map every code they emit.
	_, err = reg.MapValue("legacy_shapefile", "Z")
	require.ErrorIs(t, err, ErrUnmappedValue)
}

func TestErrata(t *testing.T) {
	e := NewErrata([]string{"A01|A01-9", " b02|b02-1 ", ""})

	assert.True(t, e.Excluded("A01", "A01-9"))
	assert.True(t, e.Excluded("a01", "a01-9"), "matching is case-insensitive")
	assert.True(t, e.Excluded("B02", "B02-1"))
	assert.False(t, e.Excluded("A01", "A01-1"))

	var nilErrata *Errata
	assert.False(t, nilErrata.Excluded("A01", "A01-9"))
}
