package distribution

import (
	"fmt"

	"github.com/docker/go-units"
)

// pullSummary is the success message written after a pull.
func pullSummary(res *PullResult) string {
	size := units.HumanSize(float64(res.Snapshot.Size()))
	if res.Fetched == 0 {
		return fmt.Sprintf("Using cached model: %s", size)
	}
	msg := fmt.Sprintf("Model pulled successfully: %d file(s), %s downloaded", res.Fetched, units.HumanSize(float64(res.BytesDownloaded)))
	if res.Deduplicated > 0 {
		msg += fmt.Sprintf(", %d already present", res.Deduplicated)
	}
	return msg
}
