package v1

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	OdooRestoreJobFinalizerName = "odoorestorejob.odoo.cybozu.io/finalizer"
)

// RestoreSourceType selects where the restored database comes from.
// +kubebuilder:validation:Enum=s3;instance
type RestoreSourceType string

const (
	// RestoreSourceS3 loads an archive previously produced by an
	// OdooBackupJob from object storage.
	RestoreSourceS3 RestoreSourceType = "s3"
	// RestoreSourceInstance clones the live database of another
	// OdooInstance in the same namespace.
	RestoreSourceInstance RestoreSourceType = "instance"
)

// RestoreSource describes the data to restore. Exactly one of 's3' and
// 'instanceName' must be set, matching 'type'.
type RestoreSource struct {
	// +kubebuilder:validation:Required
	Type RestoreSourceType `json:"type"`

	S3 *ObjectStorageSpec `json:"s3,omitempty"`

	InstanceName string `json:"instanceName,omitempty"`
}

// OdooRestoreJobSpec defines the desired state of OdooRestoreJob
type OdooRestoreJobSpec struct {
	// 'instanceRef' names the OdooInstance whose database is replaced.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:XValidation:rule="self == oldSelf",message="instanceRef is immutable"
	InstanceRef InstanceRef `json:"instanceRef"`

	// +kubebuilder:validation:Required
	// +kubebuilder:validation:XValidation:rule="self == oldSelf",message="source is immutable"
	Source RestoreSource `json:"source"`

	// 'neutralize' scrubs outbound integrations after the data is loaded
	// so a restored copy cannot act on production systems. Defaults to
	// true; disable only when restoring into a production instance.
	// +kubebuilder:default:=true
	Neutralize *bool `json:"neutralize,omitempty"`
}

// OdooRestoreJobStatus defines the observed state of OdooRestoreJob
type OdooRestoreJobStatus struct {
	// 'phase' transitions Pending -> Running -> Succeeded or Failed.
	// Terminal phases are never left.
	Phase JobPhase `json:"phase,omitempty"`

	StartedAt  *metav1.Time `json:"startedAt,omitempty"`
	FinishedAt *metav1.Time `json:"finishedAt,omitempty"`

	// 'neutralized' records whether the scrub pass ran.
	Neutralized bool `json:"neutralized,omitempty"`

	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:shortName=orj
//+kubebuilder:printcolumn:name="Instance",type="string",JSONPath=".spec.instanceRef.name"
//+kubebuilder:printcolumn:name="Source",type="string",JSONPath=".spec.source.type"
//+kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"

// OdooRestoreJob is the Schema for the odoorestorejobs API
type OdooRestoreJob struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   OdooRestoreJobSpec   `json:"spec,omitempty"`
	Status OdooRestoreJobStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// OdooRestoreJobList contains a list of OdooRestoreJob
type OdooRestoreJobList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []OdooRestoreJob `json:"items"`
}

// ShouldNeutralize reports whether the post-restore scrub is enabled.
func (r *OdooRestoreJob) ShouldNeutralize() bool {
	if r.Spec.Neutralize == nil {
		return true
	}
	return *r.Spec.Neutralize
}

// ValidateSource checks that the source variant matches its type.
func (r *OdooRestoreJob) ValidateSource() error {
	switch r.Spec.Source.Type {
	case RestoreSourceS3:
		if r.Spec.Source.S3 == nil {
			return fmt.Errorf("spec.source.s3 is required when type is %q", RestoreSourceS3)
		}
	case RestoreSourceInstance:
		if r.Spec.Source.InstanceName == "" {
			return fmt.Errorf("spec.source.instanceName is required when type is %q", RestoreSourceInstance)
		}
	default:
		return fmt.Errorf("unknown source type %q", r.Spec.Source.Type)
	}
	return nil
}

func init() {
	SchemeBuilder.Register(&OdooRestoreJob{}, &OdooRestoreJobList{})
}
