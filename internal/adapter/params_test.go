package adapter

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosspool/crosspool/internal/dberr"
	"github.com/crosspool/crosspool/pkg/dbvalue"
)

func TestBindNamedKeepsPlaceholders(t *testing.T) {
	params := dbvalue.Params{"id": dbvalue.Int64(7), "name": dbvalue.String("a")}

	out, names, values, err := bindNamed("SELECT * FROM t WHERE id = @id AND name = @name", params, nil)
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM t WHERE id = @id AND name = @name", out)
	assert.Equal(t, []string{"id", "name"}, names)
	require.Len(t, values, 2)
	n, _ := values[0].Int64Value()
	assert.Equal(t, int64(7), n)
}

func TestBindNamedPositionalRewrite(t *testing.T) {
	params := dbvalue.Params{"id": dbvalue.Int64(7), "name": dbvalue.String("a")}
	rewrite := func(i int) string { return "$" + strconv.Itoa(i) }

	out, _, values, err := bindNamed("UPDATE t SET name = @name WHERE id = @id", params, rewrite)
	require.NoError(t, err)

	assert.Equal(t, "UPDATE t SET name = $1 WHERE id = $2", out)
	s, _ := values[0].StringValue()
	assert.Equal(t, "a", s)
}

func TestBindNamedRepeatedPlaceholder(t *testing.T) {
	params := dbvalue.Params{"id": dbvalue.Int64(7)}
	rewrite := func(i int) string { return "$" + strconv.Itoa(i) }

	out, _, values, err := bindNamed("SELECT @id, @id", params, rewrite)
	require.NoError(t, err)
	assert.Equal(t, "SELECT $1, $2", out)
	assert.Len(t, values, 2)
}

func TestBindNamedSkipsQuotedText(t *testing.T) {
	params := dbvalue.Params{}

	out, _, values, err := bindNamed("SELECT 'user@example.com' AS email", params, nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 'user@example.com' AS email", out)
	assert.Empty(t, values)
}

func TestBindNamedMissingParameter(t *testing.T) {
	_, _, _, err := bindNamed("SELECT @id", dbvalue.Params{}, nil)
	require.Error(t, err)
	assert.Equal(t, dberr.CodeParameterBinding, dberr.CodeOf(err))
}

func TestBindNamedUnreferencedParameter(t *testing.T) {
	params := dbvalue.Params{"ghost": dbvalue.Int64(1)}
	_, _, _, err := bindNamed("SELECT 1", params, nil)
	require.Error(t, err)
	assert.Equal(t, dberr.CodeParameterBinding, dberr.CodeOf(err))
}
