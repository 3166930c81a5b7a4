package v1

import (
	corev1 "k8s.io/api/core/v1"
)

// InstanceRef points at the OdooInstance a job operates on. Jobs are
// namespace-scoped and always target an instance in their own namespace.
type InstanceRef struct {
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Name string `json:"name"`
}

// ObjectStorageSpec locates an archive in an S3-compatible bucket.
type ObjectStorageSpec struct {
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Bucket string `json:"bucket"`

	// 'objectKey' is the full key of the archive object. Schedules use it
	// as a key prefix instead.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	ObjectKey string `json:"objectKey"`

	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Endpoint string `json:"endpoint"`

	Region string `json:"region,omitempty"`

	// 'credentialsSecretRef' names a secret in the job's namespace holding
	// the keys `accessKey` and `secretKey`.
	CredentialsSecretRef *corev1.LocalObjectReference `json:"credentialsSecretRef,omitempty"`
}

// JobPhase is the lifecycle phase shared by OdooBackupJob and OdooRestoreJob.
// +kubebuilder:validation:Enum=Pending;Running;Succeeded;Failed
type JobPhase string

const (
	JobPhasePending   JobPhase = "Pending"
	JobPhaseRunning   JobPhase = "Running"
	JobPhaseSucceeded JobPhase = "Succeeded"
	JobPhaseFailed    JobPhase = "Failed"
)

// Terminal reports whether the phase is final. Terminal jobs are audit
// records and are never reconciled again.
func (p JobPhase) Terminal() bool {
	return p == JobPhaseSucceeded || p == JobPhaseFailed
}

// Active reports whether the phase holds the per-instance job lock.
func (p JobPhase) Active() bool {
	return p == JobPhaseRunning
}

const (
	// JobConditionProgressing reflects the admission state of a job:
	// False/WaitingForActiveJob while queued behind another job of the
	// same instance.
	JobConditionProgressing = "Progressing"

	JobReasonWaitingForActiveJob = "WaitingForActiveJob"
	JobReasonWorkerRunning       = "WorkerRunning"
	JobReasonCompleted           = "Completed"
	JobReasonFailed              = "Failed"
)

const (
	// ConditionStalled is set when the retry budget for the current
	// generation is exhausted. Reconciliation resumes on spec change or at
	// the next resync.
	ConditionStalled = "StalledReconciliation"

	ReasonRetryBudgetExhausted = "RetryBudgetExhausted"
)

// Keys of the access credentials inside an object-storage secret.
const (
	ObjectStorageAccessKey = "accessKey"
	ObjectStorageSecretKey = "secretKey"
)
