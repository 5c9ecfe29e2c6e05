package nvme

import "github.com/nvme-userspace/nvme-pcie/internal/constants"

// Re-exported package constants forming the module's public API surface.
const (
	PageSize               = constants.PageSize
	SQEntrySize            = constants.SQEntrySize
	CQEntrySize            = constants.CQEntrySize
	PRPEntrySize           = constants.PRPEntrySize
	SGLDescriptorSize      = constants.SGLDescriptorSize
	TrackerSize            = constants.TrackerSize
	MaxPRPListEntries      = constants.MaxPRPListEntries
	MaxSGLDescriptors      = constants.MaxSGLDescriptors
	AdminQueueTrackers     = constants.AdminQueueTrackers
	DefaultIOQueueTrackers = constants.DefaultIOQueueTrackers
	DefaultRetryLimit      = constants.DefaultRetryLimit
	AutoAssignQueueID      = constants.AutoAssignQueueID
)
