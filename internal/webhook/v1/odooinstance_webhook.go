package v1

import (
	"context"
	"errors"
	"fmt"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"
)

// SetupOdooInstanceWebhookWithManager registers the webhook for OdooInstance in the manager.
func SetupOdooInstanceWebhookWithManager(mgr ctrl.Manager) error {
	return ctrl.NewWebhookManagedBy(mgr).For(&odoov1.OdooInstance{}).
		WithValidator(&OdooInstanceCustomValidator{}).
		Complete()
}

// NOTE: The 'path' attribute must follow a specific pattern and should not be modified directly here.
// Modifying the path for an invalid path can cause API server errors; failing to locate the webhook.
// +kubebuilder:webhook:path=/validate-odoo-cybozu-io-v1-odooinstance,mutating=false,failurePolicy=fail,sideEffects=None,groups=odoo.cybozu.io,resources=odooinstances,verbs=create;update,versions=v1,name=odooinstance.odoo.cybozu.io,admissionReviewVersions=v1

// OdooInstanceCustomValidator struct is responsible for validating the OdooInstance resource
// when it is created or updated.
//
// NOTE: The +kubebuilder:object:generate=false marker prevents controller-gen from generating DeepCopy methods,
// as this struct is used only for temporary operations and does not need to be deeply copied.
type OdooInstanceCustomValidator struct{}

var _ webhook.CustomValidator = &OdooInstanceCustomValidator{}

// ValidateCreate implements webhook.CustomValidator so a webhook will be registered for the type OdooInstance.
func (v *OdooInstanceCustomValidator) ValidateCreate(_ context.Context, obj runtime.Object) (admission.Warnings, error) {
	instance, ok := obj.(*odoov1.OdooInstance)
	if !ok {
		return nil, fmt.Errorf("expected a OdooInstance object but got %T", obj)
	}
	return nil, instance.ValidateSpec()
}

// ValidateUpdate implements webhook.CustomValidator so a webhook will be registered for the type OdooInstance.
func (v *OdooInstanceCustomValidator) ValidateUpdate(_ context.Context, oldObj, newObj runtime.Object) (admission.Warnings, error) {
	oldInstance, ok := oldObj.(*odoov1.OdooInstance)
	if !ok {
		return nil, fmt.Errorf("expected a OdooInstance object but got %T", oldObj)
	}
	newInstance, ok := newObj.(*odoov1.OdooInstance)
	if !ok {
		return nil, fmt.Errorf("expected a OdooInstance object but got %T", newObj)
	}

	if err := newInstance.ValidateSpec(); err != nil {
		return nil, err
	}

	// The filestore is a one-way street: volumes grow, never shrink, and
	// never move to another storage class.
	if newInstance.Spec.Filestore.Size.Cmp(oldInstance.Spec.Filestore.Size) < 0 {
		return nil, fmt.Errorf("spec.filestore.size must not decrease (%s -> %s)",
			oldInstance.Spec.Filestore.Size.String(), newInstance.Spec.Filestore.Size.String())
	}
	if !equality.Semantic.DeepEqual(oldInstance.Spec.Filestore.StorageClassName, newInstance.Spec.Filestore.StorageClassName) {
		return nil, errors.New("spec.filestore.storageClassName is immutable")
	}

	return nil, nil
}

// ValidateDelete implements webhook.CustomValidator so a webhook will be registered for the type OdooInstance.
func (v *OdooInstanceCustomValidator) ValidateDelete(_ context.Context, _ runtime.Object) (admission.Warnings, error) {
	return nil, nil
}
