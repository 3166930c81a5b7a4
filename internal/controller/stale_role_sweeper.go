package controller

import (
	"context"
	"fmt"
	"time"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	"github.com/cybozu-go/odoo-operator/internal/controller/metrics"
	"github.com/cybozu-go/odoo-operator/internal/dbadmin"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// StaleRoleSweeper periodically drops database roles of this release
// whose OdooInstance no longer exists. It only ever looks at roles
// matching the release prefix, so roles created by other operators or by
// hand are never touched.
type StaleRoleSweeper struct {
	client   client.Client
	dbAdmin  dbadmin.DBAdmin
	release  string
	interval time.Duration
}

func NewStaleRoleSweeper(
	client client.Client,
	dbAdmin dbadmin.DBAdmin,
	release string,
	interval time.Duration,
) *StaleRoleSweeper {
	return &StaleRoleSweeper{
		client:   client,
		dbAdmin:  dbAdmin,
		release:  release,
		interval: interval,
	}
}

//+kubebuilder:rbac:groups=core,resources=namespaces,verbs=get;list;watch

func (r *StaleRoleSweeper) Start(ctx context.Context) error {
	logger := log.FromContext(ctx)

	for {
		ctxSleep, cancelSleep := context.WithTimeout(ctx, r.interval)
		<-ctxSleep.Done()
		cancelSleep()
		if ctx.Err() != nil {
			break
		}

		if err := r.sweep(ctx); err != nil {
			logger.Error(err, "failed to sweep stale roles", "error", err)
		}
	}

	return nil
}

// sweep walks every namespace. Namespaces without instances are swept
// too: a namespace whose last instance was deleted while the operator
// was down still carries its roles.
func (r *StaleRoleSweeper) sweep(ctx context.Context) error {
	logger := log.FromContext(ctx)

	var namespaces corev1.NamespaceList
	if err := r.client.List(ctx, &namespaces); err != nil {
		return fmt.Errorf("failed to list namespaces: %w", err)
	}

	for _, namespace := range namespaces.Items {
		if !namespace.DeletionTimestamp.IsZero() {
			continue
		}

		var instances odoov1.OdooInstanceList
		if err := r.client.List(ctx, &instances, client.InNamespace(namespace.Name)); err != nil {
			return fmt.Errorf("failed to list OdooInstances in %s: %w", namespace.Name, err)
		}

		current := make([]string, 0, len(instances.Items))
		for _, instance := range instances.Items {
			// Roles of instances being deleted are dropped by the
			// finalizer or retained on purpose; either way they are not
			// stale.
			current = append(current, dbadmin.RoleName(namespace.Name, r.release, instance.Name))
		}

		dropped, err := r.dbAdmin.ReconcileStaleRoles(ctx, namespace.Name, r.release, current)
		if err != nil {
			return fmt.Errorf("failed to reconcile stale roles in %s: %w", namespace.Name, err)
		}
		for _, role := range dropped {
			logger.Info("dropped a stale role", "namespace", namespace.Name, "role", role)
		}
		if len(dropped) > 0 {
			metrics.StaleRolesDropped.WithLabelValues(namespace.Name).Add(float64(len(dropped)))
		}
	}

	return nil
}
