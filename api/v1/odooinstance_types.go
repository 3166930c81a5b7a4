package v1

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
)

// AddonSpec describes one addon repository synced into the instance before
// the workload starts. The clone itself is an init-container contract; the
// operator only wires it.
type AddonSpec struct {
	// 'name' is the mount directory of the addon, unique within the instance.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:Pattern=`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`
	Name string `json:"name"`

	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Repo string `json:"repo"`

	// +kubebuilder:default:="main"
	Branch string `json:"branch,omitempty"`

	// 'commit' pins the checkout; when empty the branch head is used.
	Commit string `json:"commit,omitempty"`

	// 'path' is the subdirectory within the repository that holds the
	// modules. The whole repository is used when empty.
	Path string `json:"path,omitempty"`

	// 'credentialsSecretRef' names a secret holding `username` and
	// `password` for HTTPS clones of private repositories.
	CredentialsSecretRef *corev1.LocalObjectReference `json:"credentialsSecretRef,omitempty"`
}

// FilestoreSpec sizes the persistent volume backing the Odoo filestore.
type FilestoreSpec struct {
	// 'size' may only grow; the webhook rejects decreases.
	// +kubebuilder:default:="10Gi"
	Size resource.Quantity `json:"size,omitempty"`

	StorageClassName *string `json:"storageClassName,omitempty"`
}

// IngressSpec exposes the instance via an Ingress object.
type IngressSpec struct {
	// +kubebuilder:default:=true
	Enabled bool `json:"enabled,omitempty"`

	Hostname string `json:"hostname,omitempty"`

	// +kubebuilder:default:=true
	TLS bool `json:"tls,omitempty"`

	ClassName *string `json:"className,omitempty"`
}

// SecretKeyRef points at one key of a secret in the instance's namespace.
type SecretKeyRef struct {
	// +kubebuilder:validation:Required
	Name string `json:"name"`
	// +kubebuilder:validation:Required
	Key string `json:"key"`
}

// OdooInstanceSpec defines the desired state of OdooInstance
type OdooInstanceSpec struct {
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Image string `json:"image"`

	// +kubebuilder:default:=1
	// +kubebuilder:validation:Minimum=0
	Replicas *int32 `json:"replicas,omitempty"`

	// 'adminPasswordSecretRef' supplies the Odoo master password. When
	// absent the operator generates one and stores it in
	// `<name>-admin-password`.
	AdminPasswordSecretRef *SecretKeyRef `json:"adminPasswordSecretRef,omitempty"`

	Resources *corev1.ResourceRequirements `json:"resources,omitempty"`

	Filestore FilestoreSpec `json:"filestore,omitempty"`

	Ingress *IngressSpec `json:"ingress,omitempty"`

	Addons []AddonSpec `json:"addons,omitempty"`

	// 'configOptions' is merged into the generated odoo.conf, overriding
	// operator-managed keys last.
	ConfigOptions map[string]string `json:"configOptions,omitempty"`

	// 'stopped' scales the workload to zero while keeping every other
	// object in place.
	Stopped bool `json:"stopped,omitempty"`
}

// InstancePhase is the coarse lifecycle phase of an OdooInstance.
// +kubebuilder:validation:Enum=Pending;Provisioning;Ready;Degraded;Terminating
type InstancePhase string

const (
	InstancePhasePending      InstancePhase = "Pending"
	InstancePhaseProvisioning InstancePhase = "Provisioning"
	InstancePhaseReady        InstancePhase = "Ready"
	InstancePhaseDegraded     InstancePhase = "Degraded"
	InstancePhaseTerminating  InstancePhase = "Terminating"
)

// OdooInstanceStatus defines the observed state of OdooInstance
type OdooInstanceStatus struct {
	Phase InstancePhase `json:"phase,omitempty"`

	ReadyReplicas int32 `json:"readyReplicas,omitempty"`

	// 'url' is the external URL once ingress is provisioned.
	URL string `json:"url,omitempty"`

	// 'appliedSpecHash' fingerprints the last fully applied spec; an equal
	// hash lets the reconciler skip the apply pass.
	AppliedSpecHash string `json:"appliedSpecHash,omitempty"`

	// 'retryCount' counts consecutive reconcile failures for the current
	// generation.
	RetryCount int32 `json:"retryCount,omitempty"`

	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

const (
	InstanceConditionAvailable = "Available"
	InstanceConditionValidSpec = "ValidSpec"

	InstanceReasonNone           = "NoProblem"
	InstanceReasonInvalidSpec    = "InvalidSpec"
	InstanceReasonStopped        = "Stopped"
	InstanceReasonProvisioning   = "Provisioning"
	InstanceReasonUnavailable    = "ReplicasUnavailable"
	InstanceReasonHealthDegraded = "HealthCheckFailing"
)

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:shortName=oi
//+kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
//+kubebuilder:printcolumn:name="Ready",type="integer",JSONPath=".status.readyReplicas"
//+kubebuilder:printcolumn:name="URL",type="string",JSONPath=".status.url"

// OdooInstance is the Schema for the odooinstances API
type OdooInstance struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   OdooInstanceSpec   `json:"spec,omitempty"`
	Status OdooInstanceStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// OdooInstanceList contains a list of OdooInstance
type OdooInstanceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []OdooInstance `json:"items"`
}

// IsReady returns true when the instance reached Ready and stayed there.
func (i *OdooInstance) IsReady() bool {
	return i.Status.Phase == InstancePhaseReady
}

// DesiredReplicas resolves the replica count, honoring spec.stopped.
func (i *OdooInstance) DesiredReplicas() int32 {
	if i.Spec.Stopped {
		return 0
	}
	if i.Spec.Replicas == nil {
		return 1
	}
	return *i.Spec.Replicas
}

// ValidateSpec checks the invariants the CRD schema cannot express. The
// reconciler surfaces a non-nil result as a ValidSpec=False condition and
// does not retry until the spec changes.
func (i *OdooInstance) ValidateSpec() error {
	if i.Spec.Image == "" {
		return fmt.Errorf("spec.image must not be empty")
	}
	if i.Spec.Replicas != nil && *i.Spec.Replicas < 0 {
		return fmt.Errorf("spec.replicas must not be negative")
	}
	if ing := i.Spec.Ingress; ing != nil && ing.Enabled {
		if ing.Hostname == "" {
			return fmt.Errorf("spec.ingress.hostname is required when ingress is enabled")
		}
		if errs := validation.IsDNS1123Subdomain(ing.Hostname); len(errs) > 0 {
			return fmt.Errorf("spec.ingress.hostname %q: %s", ing.Hostname, errs[0])
		}
	}
	seen := make(map[string]struct{}, len(i.Spec.Addons))
	for _, addon := range i.Spec.Addons {
		if addon.Name == "" {
			return fmt.Errorf("spec.addons[].name must not be empty")
		}
		if addon.Repo == "" {
			return fmt.Errorf("spec.addons[%s].repo must not be empty", addon.Name)
		}
		if _, dup := seen[addon.Name]; dup {
			return fmt.Errorf("spec.addons[%s] is duplicated", addon.Name)
		}
		seen[addon.Name] = struct{}{}
	}
	return nil
}

func init() {
	SchemeBuilder.Register(&OdooInstance{}, &OdooInstanceList{})
}
