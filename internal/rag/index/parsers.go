package index

import (
	"sync"

	"github.com/openpista/openpista/internal/rag/parser/markdown"
	"github.com/openpista/openpista/internal/rag/parser/text"
)

var registerParsersOnce sync.Once

func ensureDefaultParsers() {
	registerParsersOnce.Do(func() {
		markdown.Register()
		text.Register()
	})
}
