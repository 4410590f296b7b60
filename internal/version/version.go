package version

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tkengine/tknet/internal/wire"
)

// Set at build time with -ldflags "-X".
var (
	Number       string
	Revision     string
	RevisionTime string
)

func String() (string, error) {
	if Number == "" {
		return fmt.Sprintf("tknet: development build (wire v%d)", wire.Version), nil
	}
	if Revision == "" {
		return "", fmt.Errorf("version %s was built without a revision", Number)
	}

	return fmt.Sprintf("tknet: v%s-%s (wire v%d)", Number, shortRevision(), wire.Version), nil
}

func shortRevision() string {
	if len(Revision) > 12 {
		return Revision[:12]
	}
	return Revision
}

func HumanRevisionTime() string {
	secs, err := strconv.ParseInt(RevisionTime, 10, 64)
	if err != nil {
		return ""
	}

	return time.Unix(secs, 0).UTC().Format(time.RFC3339)
}
