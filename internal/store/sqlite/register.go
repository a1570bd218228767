// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package sqlite

import (
	"github.com/andresmarpz/sandcastle/internal/store"
)

func init() {
	store.RegisterBackend("sqlite", func(path string) (store.HistoryStore, error) {
		return NewHistoryStore(path)
	})
}
