package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracerSpansAndEvents(t *testing.T) {
	tr := New()
	tr.Event("connect::init_destination")

	parent := tr.Span(nil, "mysql/from_pool_or_connect")
	child := tr.Span(parent, "mysql/from_pool")
	child.SetAttr("mysql.error_message", "no match")
	child.EndSpan(true)
	parent.EndSpan(false)

	assert.Equal(t, []string{"connect::init_destination"}, tr.Events())

	found := tr.FindSpan("mysql/from_pool")
	require.NotNil(t, found)
	assert.True(t, found.Err)
	msg, ok := found.Attr("mysql.error_message")
	require.True(t, ok)
	assert.Equal(t, "no match", msg)

	root := tr.FindSpan("mysql/from_pool_or_connect")
	require.NotNil(t, root)
	assert.False(t, root.Err)
	require.Len(t, root.Children, 1)

	assert.Nil(t, tr.FindSpan("mysql/connect"))
}

func TestNilTracerIsValid(t *testing.T) {
	var tr *Tracer
	tr.Event("ignored")
	span := tr.Span(nil, "ignored")
	span.SetAttr("k", "v")
	span.EndSpan(false)
	assert.Nil(t, tr.Events())
	assert.Nil(t, tr.FindSpan("ignored"))
}

func TestEndSpanIsIdempotent(t *testing.T) {
	tr := New()
	span := tr.Span(nil, "s")
	span.EndSpan(true)
	first := span.End
	span.EndSpan(false)
	assert.Equal(t, first, span.End)
	assert.True(t, span.Err)
}
