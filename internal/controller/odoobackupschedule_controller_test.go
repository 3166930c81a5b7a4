package controller

import (
	"context"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	batchv1 "k8s.io/api/batch/v1"
	aerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

func newTestSchedule(namespace, name, instanceName string) *odoov1.OdooBackupSchedule {
	return &odoov1.OdooBackupSchedule{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
			UID:       types.UID("schedule-uid-1"),
		},
		Spec: odoov1.OdooBackupScheduleSpec{
			InstanceRef: odoov1.InstanceRef{Name: instanceName},
			Schedule:    "0 3 * * *",
			Expire:      "168h",
			Destination: odoov1.ObjectStorageSpec{
				Bucket:    "backup-bucket",
				ObjectKey: "periodic/erp",
				Endpoint:  "http://minio.example:9000",
			},
		},
	}
}

var _ = Describe("OdooBackupSchedule controller", func() {
	ctx := context.Background()

	var k8sClient client.Client
	var reconciler *OdooBackupScheduleReconciler

	newReconciler := func(overwriteSchedule string, objs ...client.Object) {
		k8sClient = newTestClient(objs...)
		reconciler = NewOdooBackupScheduleReconciler(
			k8sClient, testScheme, "odoo-system", "odoo-operator-backup", "ghcr.io/example/odoo-operator:1.0.0", overwriteSchedule)
	}

	reconcile := func(namespace, name string) ctrl.Result {
		res, err := reconciler.Reconcile(ctx, ctrl.Request{
			NamespacedName: types.NamespacedName{Namespace: namespace, Name: name},
		})
		Expect(err).NotTo(HaveOccurred())
		return res
	}

	getCronJob := func() (*batchv1.CronJob, error) {
		var cronJob batchv1.CronJob
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "odoo-system", Name: "obs-schedule-uid-1"}, &cronJob)
		return &cronJob, err
	}

	It("should drive a CronJob in the operator namespace", func() {
		schedule := newTestSchedule("ns1", "nightly", "erp")
		newReconciler("", schedule)

		reconcile("ns1", "nightly") // finalizer
		reconcile("ns1", "nightly")

		cronJob, err := getCronJob()
		Expect(err).NotTo(HaveOccurred())
		Expect(cronJob.Labels[ScheduleUIDLabelKey]).To(Equal("schedule-uid-1"))
		Expect(cronJob.Spec.Schedule).To(Equal("0 3 * * *"))
		Expect(*cronJob.Spec.Suspend).To(BeFalse())
		Expect(cronJob.Spec.ConcurrencyPolicy).To(Equal(batchv1.ForbidConcurrent))
		Expect(*cronJob.Spec.StartingDeadlineSeconds).To(Equal(int64(3600)))
		Expect(*cronJob.Spec.JobTemplate.Spec.BackoffLimit).To(Equal(int32(10)))

		podSpec := cronJob.Spec.JobTemplate.Spec.Template.Spec
		Expect(podSpec.ServiceAccountName).To(Equal("odoo-operator-backup"))
		Expect(podSpec.Containers).To(HaveLen(1))
		container := podSpec.Containers[0]
		Expect(container.Image).To(Equal("ghcr.io/example/odoo-operator:1.0.0"))
		Expect(container.Command).To(Equal([]string{
			"/odoo-operator", "backup-and-rotate", "--name", "nightly", "--namespace", "ns1",
		}))

		var jobNameEnvFound bool
		for _, env := range container.Env {
			if env.Name == "JOB_NAME" {
				jobNameEnvFound = true
				Expect(env.ValueFrom.FieldRef.FieldPath).To(Equal("metadata.labels['batch.kubernetes.io/job-name']"))
			}
		}
		Expect(jobNameEnvFound).To(BeTrue())

		var got odoov1.OdooBackupSchedule
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "nightly"}, &got)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status.CreatedCronJob).To(Equal("obs-schedule-uid-1"))
	})

	It("should propagate suspend and schedule changes", func() {
		schedule := newTestSchedule("ns1", "nightly", "erp")
		newReconciler("", schedule)
		reconcile("ns1", "nightly")
		reconcile("ns1", "nightly")

		var got odoov1.OdooBackupSchedule
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "nightly"}, &got)
		Expect(err).NotTo(HaveOccurred())
		got.Spec.Suspend = true
		got.Spec.Schedule = "30 4 * * *"
		Expect(k8sClient.Update(ctx, &got)).To(Succeed())

		reconcile("ns1", "nightly")
		cronJob, err := getCronJob()
		Expect(err).NotTo(HaveOccurred())
		Expect(*cronJob.Spec.Suspend).To(BeTrue())
		Expect(cronJob.Spec.Schedule).To(Equal("30 4 * * *"))
	})

	It("should let the overwrite flag replace every schedule", func() {
		schedule := newTestSchedule("ns1", "nightly", "erp")
		newReconciler("* * * * *", schedule)
		reconcile("ns1", "nightly")
		reconcile("ns1", "nightly")

		cronJob, err := getCronJob()
		Expect(err).NotTo(HaveOccurred())
		Expect(cronJob.Spec.Schedule).To(Equal("* * * * *"))
	})

	It("should delete the CronJob before letting the schedule go", func() {
		schedule := newTestSchedule("ns1", "nightly", "erp")
		newReconciler("", schedule)
		reconcile("ns1", "nightly")
		reconcile("ns1", "nightly")

		var got odoov1.OdooBackupSchedule
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "nightly"}, &got)
		Expect(err).NotTo(HaveOccurred())
		Expect(k8sClient.Delete(ctx, &got)).To(Succeed())

		// First pass deletes the CronJob and waits.
		res := reconcile("ns1", "nightly")
		Expect(res.RequeueAfter).NotTo(BeZero())
		_, err = getCronJob()
		Expect(aerrors.IsNotFound(err)).To(BeTrue())

		reconcile("ns1", "nightly")
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: "ns1", Name: "nightly"}, &got)
		Expect(aerrors.IsNotFound(err)).To(BeTrue())
	})
})
