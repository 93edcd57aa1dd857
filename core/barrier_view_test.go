// Copyright (c) 2024 Walletd Project
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"sort"
	"testing"

	"github.com/openbao/openbao/sdk/v2/logical"
	"github.com/stretchr/testify/require"
)

func TestBarrierView_impl(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	view := NewBarrierView(barrier, "foo/")
	logical.TestStorage(t, view)
}

func TestBarrierView_RejectsEscapingKeys(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	view := NewBarrierView(barrier, "foo/")
	ctx := context.Background()

	_, err := view.List(ctx, "../")
	require.Error(t, err)

	_, err = view.Get(ctx, "../")
	require.Error(t, err)

	require.Error(t, view.Delete(ctx, "../foo"))

	require.Error(t, view.Put(ctx, &logical.StorageEntry{
		Key:   "../foo",
		Value: []byte("test"),
	}))
}

func TestBarrierView_PrefixNesting(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	ctx := context.Background()
	view := NewBarrierView(barrier, "foo/")

	// A key written outside the prefix is invisible through the view
	require.NoError(t, barrier.Put(ctx, &logical.StorageEntry{Key: "test", Value: []byte("test")}))

	keys, err := view.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, keys)

	out, err := view.Get(ctx, "test")
	require.NoError(t, err)
	require.Nil(t, out)

	// Writing through the view lands under the prefix
	require.NoError(t, view.Put(ctx, &logical.StorageEntry{Key: "test", Value: []byte("test")}))

	nested, err := barrier.Get(ctx, "foo/test")
	require.NoError(t, err)
	require.NotNil(t, nested)

	// Deleting through the view removes only the nested key
	require.NoError(t, view.Delete(ctx, "test"))

	nested, err = barrier.Get(ctx, "foo/test")
	require.NoError(t, err)
	require.Nil(t, nested)

	outer, err := barrier.Get(ctx, "test")
	require.NoError(t, err)
	require.NotNil(t, outer)
}

func TestBarrierView_SubView(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	ctx := context.Background()
	root := NewBarrierView(barrier, "foo/")
	view := root.SubView("bar/")

	keys, err := view.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, keys)

	require.NoError(t, view.Put(ctx, &logical.StorageEntry{Key: "test", Value: []byte("test")}))

	// Visible at the barrier under the combined prefix, and from the
	// parent view under the sub-prefix
	bout, err := barrier.Get(ctx, "foo/bar/test")
	require.NoError(t, err)
	require.NotNil(t, bout)

	out, err := root.Get(ctx, "bar/test")
	require.NoError(t, err)
	require.NotNil(t, out)

	require.NoError(t, view.Delete(ctx, "test"))

	bout, err = barrier.Get(ctx, "foo/bar/test")
	require.NoError(t, err)
	require.Nil(t, bout)
}

func TestBarrierView_NestedSubViews(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	ctx := context.Background()
	root := NewBarrierView(barrier, "root/")
	level1 := root.SubView("level1/")
	level2 := level1.SubView("level2/")

	require.Equal(t, "root/", root.Prefix())
	require.Equal(t, "root/level1/", level1.Prefix())
	require.Equal(t, "root/level1/level2/", level2.Prefix())

	require.NoError(t, level2.Put(ctx, &logical.StorageEntry{Key: "test", Value: []byte("test")}))

	for _, lookup := range []struct {
		store logical.Storage
		key   string
	}{
		{barrier, "root/level1/level2/test"},
		{root, "level1/level2/test"},
		{level1, "level2/test"},
		{level2, "test"},
	} {
		out, err := lookup.store.Get(ctx, lookup.key)
		require.NoError(t, err)
		require.NotNil(t, out, "missing %q", lookup.key)
	}
}

func testViewEntries(t *testing.T, view BarrierView) []string {
	t.Helper()

	keys := []string{"foo", "zip", "foo/bar", "foo/zap", "foo/bar/baz", "foo/bar/zoo"}
	for _, key := range keys {
		err := view.Put(context.Background(), &logical.StorageEntry{Key: key, Value: []byte("test")})
		require.NoError(t, err)
	}
	sort.Strings(keys)
	return keys
}

func TestBarrierView_Scan(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	view := NewBarrierView(barrier, "view/")
	expect := testViewEntries(t, view)

	var out []string
	err := logical.ScanView(context.Background(), view, func(path string) {
		out = append(out, path)
	})
	require.NoError(t, err)

	sort.Strings(out)
	require.Equal(t, expect, out)
}

func TestBarrierView_CollectKeys(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	view := NewBarrierView(barrier, "view/")
	expect := testViewEntries(t, view)

	out, err := logical.CollectKeys(context.Background(), view)
	require.NoError(t, err)

	sort.Strings(out)
	require.Equal(t, expect, out)
}

func TestBarrierView_ClearView(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	view := NewBarrierView(barrier, "view/")
	testViewEntries(t, view)

	require.NoError(t, logical.ClearView(context.Background(), view))

	out, err := logical.CollectKeys(context.Background(), view)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestBarrierView_Readonly(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	ctx := context.Background()
	view := NewBarrierView(barrier, "foo/")

	entry := &logical.StorageEntry{Key: "test", Value: []byte("test")}
	require.NoError(t, view.Put(ctx, entry))

	view.SetReadOnlyErr(logical.ErrReadOnly)

	require.Equal(t, logical.ErrReadOnly, view.Put(ctx, entry))
	require.Equal(t, logical.ErrReadOnly, view.Delete(ctx, "test"))

	// Reads still work, and nothing was removed
	out, err := view.Get(ctx, "test")
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestBarrierView_ReadOnlyPropagatesToSubViews(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	view := NewBarrierView(barrier, "foo/")
	view.SetReadOnlyErr(logical.ErrReadOnly)

	sub := view.SubView("bar/")
	err := sub.Put(context.Background(), &logical.StorageEntry{Key: "test", Value: []byte("test")})
	require.Equal(t, logical.ErrReadOnly, err)
}

func TestBarrierView_ReadOnlyErrAccessors(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	view := NewBarrierView(barrier, "foo/")

	require.NoError(t, view.GetReadOnlyErr())

	view.SetReadOnlyErr(logical.ErrReadOnly)
	require.Equal(t, logical.ErrReadOnly, view.GetReadOnlyErr())

	view.SetReadOnlyErr(nil)
	require.NoError(t, view.GetReadOnlyErr())
}

func TestBarrierView_PutNilEntry(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	view := NewBarrierView(barrier, "foo/")

	err := view.Put(context.Background(), nil)
	require.Error(t, err)
	require.Equal(t, "cannot write nil entry", err.Error())
}

func TestBarrierView_ListPage(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	ctx := context.Background()
	view := NewBarrierView(barrier, "view/")

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, view.Put(ctx, &logical.StorageEntry{Key: key, Value: []byte("test")}))
	}

	keys, err := view.ListPage(ctx, "", "", 3)
	require.NoError(t, err)
	require.Len(t, keys, 3)
}

func TestBarrierView_Isolation(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	ctx := context.Background()
	view1 := NewBarrierView(barrier, "view1/")
	view2 := NewBarrierView(barrier, "view2/")

	require.NoError(t, view1.Put(ctx, &logical.StorageEntry{Key: "test", Value: []byte("view1")}))
	require.NoError(t, view2.Put(ctx, &logical.StorageEntry{Key: "test", Value: []byte("view2")}))

	out1, err := view1.Get(ctx, "test")
	require.NoError(t, err)
	require.NotNil(t, out1)
	require.Equal(t, "view1", string(out1.Value))

	out2, err := view2.Get(ctx, "test")
	require.NoError(t, err)
	require.NotNil(t, out2)
	require.Equal(t, "view2", string(out2.Value))

	// Path traversal out of a view is rejected, not resolved
	_, err = view1.Get(ctx, "../view2/test")
	require.Error(t, err)
}

func TestBarrierView_EmptyPrefix(t *testing.T) {
	_, barrier, _ := mockBarrier(t)
	ctx := context.Background()
	view := NewBarrierView(barrier, "")

	require.NoError(t, view.Put(ctx, &logical.StorageEntry{Key: "test", Value: []byte("test")}))

	out, err := view.Get(ctx, "test")
	require.NoError(t, err)
	require.NotNil(t, out)
}
