package stack

import (
	"io"

	"github.com/loykin/carp/internal/logger"
)

// Banner announces that both services are up.
func Banner(w io.Writer) {
	logger.Banner(w, "omninode is starting")
}
