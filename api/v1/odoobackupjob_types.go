package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	OdooBackupJobFinalizerName = "odoobackupjob.odoo.cybozu.io/finalizer"

	// RetainArchiveAnnotation keeps the uploaded archive in object storage
	// when the OdooBackupJob resource is deleted.
	RetainArchiveAnnotation = "odoo.cybozu.io/retain-archive"
)

// OdooBackupJobSpec defines the desired state of OdooBackupJob
type OdooBackupJobSpec struct {
	// 'instanceRef' names the OdooInstance to back up. It must be in the
	// same namespace as the OdooBackupJob.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:XValidation:rule="self == oldSelf",message="instanceRef is immutable"
	InstanceRef InstanceRef `json:"instanceRef"`

	// 'destination' is the object storage location the archive is
	// uploaded to. When 'objectKey' is empty the operator derives one
	// from the job name and timestamp.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:XValidation:rule="self == oldSelf",message="destination is immutable"
	Destination ObjectStorageSpec `json:"destination"`
}

// OdooBackupJobStatus defines the observed state of OdooBackupJob
type OdooBackupJobStatus struct {
	// 'phase' transitions Pending -> Running -> Succeeded or Failed.
	// Terminal phases are never left.
	Phase JobPhase `json:"phase,omitempty"`

	StartedAt  *metav1.Time `json:"startedAt,omitempty"`
	FinishedAt *metav1.Time `json:"finishedAt,omitempty"`

	// 'archiveKey' is the object key of the verified archive.
	ArchiveKey string `json:"archiveKey,omitempty"`

	// 'archiveSizeBytes' is the size reported by object storage after
	// upload verification.
	ArchiveSizeBytes int64 `json:"archiveSizeBytes,omitempty"`

	// 'archiveSHA256' is the digest recorded by the worker alongside the
	// archive.
	ArchiveSHA256 string `json:"archiveSHA256,omitempty"`

	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:shortName=obj
//+kubebuilder:printcolumn:name="Instance",type="string",JSONPath=".spec.instanceRef.name"
//+kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
//+kubebuilder:printcolumn:name="Key",type="string",JSONPath=".status.archiveKey"

// OdooBackupJob is the Schema for the odoobackupjobs API
type OdooBackupJob struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   OdooBackupJobSpec   `json:"spec,omitempty"`
	Status OdooBackupJobStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// OdooBackupJobList contains a list of OdooBackupJob
type OdooBackupJobList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []OdooBackupJob `json:"items"`
}

// ShouldRetainArchive reports whether the uploaded archive must survive
// deletion of this resource.
func (b *OdooBackupJob) ShouldRetainArchive() bool {
	if b.Annotations == nil {
		return false
	}
	return b.Annotations[RetainArchiveAnnotation] == "true"
}

func init() {
	SchemeBuilder.Register(&OdooBackupJob{}, &OdooBackupJobList{})
}
