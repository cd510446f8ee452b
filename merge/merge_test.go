package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type prompts struct {
	System  func(ctx context.Context) (string, error)
	Context func() string
	Tags    []string
	Prefix  string
	Limit   int
	Extra   map[string]any
	Nested  *nested
}

type nested struct {
	Names []string
	Label string
}

func TestMergeFuncsComposeInOrder(t *testing.T) {
	a := prompts{Context: func() string { return "A" }}
	b := prompts{Context: func() string { return "B" }}

	m := Merge(a, b)

	require.NotNil(t, m.Context)
	assert.Equal(t, "AB", m.Context())
	assert.Equal(t, "BA", Merge(b, a).Context())
}

func TestMergeFuncErrorShortCircuits(t *testing.T) {
	calledB := false
	boom := errors.New("boom")

	a := prompts{System: func(context.Context) (string, error) { return "", boom }}
	b := prompts{System: func(context.Context) (string, error) {
		calledB = true
		return "b", nil
	}}

	_, err := Merge(a, b).System(context.Background())
	require.ErrorIs(t, err, boom)
	assert.False(t, calledB)
}

func TestMergeFuncSuccessMergesResults(t *testing.T) {
	a := prompts{System: func(context.Context) (string, error) { return "you are ", nil }}
	b := prompts{System: func(context.Context) (string, error) { return "helpful", nil }}

	s, err := Merge(a, b).System(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "you are helpful", s)
}

func TestMergeOnlyOneSideCallable(t *testing.T) {
	b := prompts{Context: func() string { return "B" }}

	assert.Equal(t, "B", Merge(prompts{}, b).Context())
	assert.Equal(t, "B", Merge(b, prompts{}).Context())
}

func TestMergeSlicesConcatenate(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, Merge([]int{1, 2}, []int{3}))

	m := Merge(prompts{Tags: []string{"a"}}, prompts{Tags: []string{"b", "c"}})
	assert.Equal(t, []string{"a", "b", "c"}, m.Tags)
}

func TestMergeStringsConcatenate(t *testing.T) {
	assert.Equal(t, "foobar", Merge("foo", "bar"))
}

func TestMergeScalarRightWins(t *testing.T) {
	assert.Equal(t, 7, Merge(3, 7))
	assert.Equal(t, 3, Merge(3, 0))

	m := Merge(prompts{Limit: 1}, prompts{Limit: 2})
	assert.Equal(t, 2, m.Limit)
}

func TestMergeMapsRecurse(t *testing.T) {
	a := map[string]any{"files": []any{"a.go"}, "mode": "x", "only_a": true}
	b := map[string]any{"files": []any{"b.go"}, "mode": "y", "only_b": 1}

	m := Merge(a, b)

	assert.Equal(t, []any{"a.go", "b.go"}, m["files"])
	assert.Equal(t, "xy", m["mode"])
	assert.Equal(t, true, m["only_a"])
	assert.Equal(t, 1, m["only_b"])

	// inputs untouched
	assert.Equal(t, []any{"a.go"}, a["files"])
	assert.NotContains(t, a, "only_b")
}

func TestMergeMapZeroValueWins(t *testing.T) {
	m := Merge(map[string]any{"enabled": true, "n": 5, "keep": "a"}, map[string]any{"enabled": false, "n": 0})
	assert.Equal(t, map[string]any{"enabled": false, "n": 0, "keep": "a"}, m)

	assert.Equal(t, map[string]bool{"x": false}, Merge(map[string]bool{"x": true}, map[string]bool{"x": false}))
	assert.Equal(t, map[string]any{"x": nil}, Merge(map[string]any{"x": "a"}, map[string]any{"x": nil}))

	// maps nested in struct fields follow the same rule
	p := Merge(prompts{Extra: map[string]any{"search": true}}, prompts{Extra: map[string]any{"search": false}})
	assert.Equal(t, false, p.Extra["search"])
}

func TestMergeZeroTopLevelKeepsLeft(t *testing.T) {
	assert.Equal(t, 5, Merge(5, 0))
	assert.True(t, Merge(true, false))
	assert.Equal(t, "a", Merge("a", ""))

	// a zero struct field is not contributed
	m := Merge(prompts{Limit: 5, Prefix: "p"}, prompts{})
	assert.Equal(t, 5, m.Limit)
	assert.Equal(t, "p", m.Prefix)
}

func TestMergeInterfaceMismatchRightWins(t *testing.T) {
	m := Merge[any]("text", 5)
	assert.Equal(t, 5, m)
}

func TestMergePointerToStruct(t *testing.T) {
	a := prompts{Nested: &nested{Names: []string{"x"}, Label: "l"}}
	b := prompts{Nested: &nested{Names: []string{"y"}}}

	m := Merge(a, b)

	require.NotNil(t, m.Nested)
	assert.Equal(t, []string{"x", "y"}, m.Nested.Names)
	assert.Equal(t, "l", m.Nested.Label)
	assert.NotSame(t, a.Nested, m.Nested)
	assert.Equal(t, []string{"x"}, a.Nested.Names)
}

func TestMergeAssociative(t *testing.T) {
	a := prompts{Tags: []string{"a"}, Prefix: "1", Extra: map[string]any{"k": []any{1}}}
	b := prompts{Tags: []string{"b"}, Prefix: "2", Extra: map[string]any{"k": []any{2}}}
	c := prompts{Tags: []string{"c"}, Prefix: "3", Extra: map[string]any{"k": []any{3}}}

	left := Merge(Merge(a, b), c)
	right := Merge(a, Merge(b, c))

	assert.Equal(t, left.Tags, right.Tags)
	assert.Equal(t, left.Prefix, right.Prefix)
	assert.Equal(t, left.Extra, right.Extra)
	assert.Equal(t, "123", left.Prefix)
}

func TestMergeNotCommutative(t *testing.T) {
	assert.NotEqual(t, Merge("a", "b"), Merge("b", "a"))
}

func TestFold(t *testing.T) {
	_, ok := Fold[prompts]()
	assert.False(t, ok)

	single := prompts{Prefix: "only"}
	got, ok := Fold(single)
	require.True(t, ok)
	assert.Equal(t, "only", got.Prefix)

	got, ok = Fold(
		prompts{Context: func() string { return "A" }},
		prompts{Context: func() string { return "B" }},
		prompts{Context: func() string { return "C" }},
	)
	require.True(t, ok)
	assert.Equal(t, "ABC", got.Context())
}
