// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for cell binaries: the
// single place where an error is written to stderr before the
// structured logger exists, and the process exit that follows.
package process
