package controller

import (
	"context"

	"github.com/cybozu-go/odoo-operator/internal/controller/internal/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

var _ = Describe("StaleRoleSweeper", func() {
	ctx := context.Background()

	It("should drop roles whose instance is gone and keep the rest", func() {
		objs := []client.Object{
			&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "ns1"}},
			&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "ns2"}},
			testutil.NewOdooInstance("ns1", "erp"),
		}
		k8sClient := newTestClient(objs...)
		dbAdmin := testutil.NewFakeDBAdmin()
		dbAdmin.Roles["ns1-odoo-erp"] = "pw"      // live instance
		dbAdmin.Roles["ns1-odoo-old"] = "pw"      // instance deleted
		dbAdmin.Roles["ns1-other-erp"] = "pw"     // different release
		dbAdmin.Roles["ns2-odoo-orphan"] = "pw"   // namespace without instances
		dbAdmin.Roles["postgres-admin-role"] = "" // unrelated

		sweeper := NewStaleRoleSweeper(k8sClient, dbAdmin, "odoo", 0)
		Expect(sweeper.sweep(ctx)).To(Succeed())

		Expect(dbAdmin.HasRole("ns1-odoo-erp")).To(BeTrue())
		Expect(dbAdmin.HasRole("ns1-odoo-old")).To(BeFalse())
		Expect(dbAdmin.HasRole("ns1-other-erp")).To(BeTrue())
		Expect(dbAdmin.HasRole("ns2-odoo-orphan")).To(BeFalse())
		Expect(dbAdmin.HasRole("postgres-admin-role")).To(BeTrue())
	})

	It("should skip namespaces being deleted", func() {
		terminating := &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{
				Name:              "ns1",
				DeletionTimestamp: ptr.To(metav1.Now()),
				Finalizers:        []string{"kubernetes"},
			},
		}
		k8sClient := newTestClient(terminating)
		dbAdmin := testutil.NewFakeDBAdmin()
		dbAdmin.Roles["ns1-odoo-erp"] = "pw"

		sweeper := NewStaleRoleSweeper(k8sClient, dbAdmin, "odoo", 0)
		Expect(sweeper.sweep(ctx)).To(Succeed())

		Expect(dbAdmin.HasRole("ns1-odoo-erp")).To(BeTrue())
		Expect(dbAdmin.CallCount("ReconcileStaleRoles")).To(BeZero())
	})
})
