//go:build !linux

package docgen

import "go.uber.org/zap"

func memoryFields() []zap.Field { return nil }
