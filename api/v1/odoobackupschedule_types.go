package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// OdooBackupScheduleSpec defines the desired state of OdooBackupSchedule
type OdooBackupScheduleSpec struct {
	// 'instanceRef' names the OdooInstance backed up on each tick.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:XValidation:rule="self == oldSelf",message="instanceRef is immutable"
	InstanceRef InstanceRef `json:"instanceRef"`

	// 'schedule' specifies the cron schedule of the backups.
	// +kubebuilder:validation:Pattern=`^\s*([^\s]+)\s+([^\s]+)\s+([^\s]+)\s+([^\s]+)\s+([^\s]+)\s*$`
	Schedule string `json:"schedule"`

	// 'expire' specifies the lifetime of created OdooBackupJob resources
	// and their archives.
	// +kubebuilder:validation:XValidation:rule="self == oldSelf",message="expire is immutable"
	// +kubebuilder:validation:XValidation:rule="duration(self) >= duration('24h')",message="expire must be >= 24h"
	// +kubebuilder:validation:XValidation:rule="duration(self) <= duration('720h')",message="expire must be <= 720h"
	Expire string `json:"expire"`

	// 'destination' is where each periodic archive is uploaded. The
	// object key is derived per tick, so 'objectKey' is ignored here.
	// +kubebuilder:validation:Required
	Destination ObjectStorageSpec `json:"destination"`

	//+kubebuilder:default:=false
	Suspend bool `json:"suspend,omitempty"`
}

// OdooBackupScheduleStatus defines the observed state of OdooBackupSchedule
type OdooBackupScheduleStatus struct {
	// 'createdCronJob' is the name of the CronJob driving this schedule.
	CreatedCronJob string `json:"createdCronJob,omitempty"`

	LastScheduleTime *metav1.Time `json:"lastScheduleTime,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:shortName=obs
//+kubebuilder:printcolumn:name="Instance",type="string",JSONPath=".spec.instanceRef.name"
//+kubebuilder:printcolumn:name="Schedule",type="string",JSONPath=".spec.schedule"
//+kubebuilder:printcolumn:name="Suspend",type="boolean",JSONPath=".spec.suspend"

// OdooBackupSchedule is the Schema for the odoobackupschedules API
type OdooBackupSchedule struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   OdooBackupScheduleSpec   `json:"spec,omitempty"`
	Status OdooBackupScheduleStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// OdooBackupScheduleList contains a list of OdooBackupSchedule
type OdooBackupScheduleList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []OdooBackupSchedule `json:"items"`
}

func init() {
	SchemeBuilder.Register(&OdooBackupSchedule{}, &OdooBackupScheduleList{})
}
