package lon

import "github.com/ehrlich-b/go-lon/internal/constants"

// Re-export constants for public API
const (
	MaxInterfaces = constants.MaxInterfaces

	DownlinkAckTimeout = constants.DownlinkAckTimeout
	DownlinkWaitTime   = constants.DownlinkWaitTime
	UIDWaitTime        = constants.UIDWaitTime
	MaxUIDRetries      = constants.MaxUIDRetries

	IsiMessageCode = constants.IsiMessageCode
)
