// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDiff = `diff --git a/src/main.rs b/src/main.rs
index 1111111..2222222 100644
--- a/src/main.rs
+++ b/src/main.rs
@@ -1,3 +1,3 @@
 fn main() {
-    println!("hello");
+    println!("hello!");
 }
diff --git a/old.rs b/old.rs
deleted file mode 100644
index 3333333..0000000
--- a/old.rs
+++ /dev/null
@@ -1,2 +0,0 @@
-fn old() {}
-
`

func TestDiffStat(t *testing.T) {
	stat, err := DiffStat(sampleDiff)
	require.NoError(t, err)

	assert.Equal(t, []FileStat{
		{Path: "src/main.rs", Added: 1, Deleted: 1},
		{Path: "old.rs", Added: 0, Deleted: 2},
	}, stat.Files)
	assert.Equal(t, 1, stat.Added)
	assert.Equal(t, 3, stat.Deleted)
	assert.Contains(t, stat.String(), "2 files changed, 1 insertions(+), 3 deletions(-)")
}

func TestDiffStat_Empty(t *testing.T) {
	stat, err := DiffStat("  \n")
	require.NoError(t, err)
	assert.Empty(t, stat.Files)
}
