// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package biosimd provides fast, allocation-free nucleotide byte operations
// used when loading reference sequences.
package biosimd
