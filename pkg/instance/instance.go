package instance

import "os"

// GetID returns the identifier this worker process logs and tags its Pub/Sub
// acks with. GRUBHAUL_INSTANCE_ID wins, then the host name.
func GetID() string {
	if id := os.Getenv("GRUBHAUL_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
