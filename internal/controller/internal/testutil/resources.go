package testutil

import (
	"context"

	odoov1 "github.com/cybozu-go/odoo-operator/api/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

func CreateNamespace(ctx context.Context, client client.Client, name string) error {
	ns := corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
		},
	}
	return client.Create(ctx, &ns)
}

// NewOdooInstance returns a minimal valid instance for tests. Callers
// mutate the returned object before creating it.
func NewOdooInstance(namespace, name string) *odoov1.OdooInstance {
	return &odoov1.OdooInstance{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
		},
		Spec: odoov1.OdooInstanceSpec{
			Image: "ghcr.io/example/odoo:17.0",
			Filestore: odoov1.FilestoreSpec{
				Size: resource.MustParse("1Gi"),
			},
		},
	}
}

func NewOdooBackupJob(namespace, name, instanceName string) *odoov1.OdooBackupJob {
	return &odoov1.OdooBackupJob{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
		},
		Spec: odoov1.OdooBackupJobSpec{
			InstanceRef: odoov1.InstanceRef{Name: instanceName},
			Destination: odoov1.ObjectStorageSpec{
				Bucket:    "backup-bucket",
				ObjectKey: namespace + "/" + name + ".zip",
				Endpoint:  "http://minio.example:9000",
			},
		},
	}
}

func NewOdooRestoreJob(namespace, name, instanceName string, source odoov1.RestoreSource) *odoov1.OdooRestoreJob {
	return &odoov1.OdooRestoreJob{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
		},
		Spec: odoov1.OdooRestoreJobSpec{
			InstanceRef: odoov1.InstanceRef{Name: instanceName},
			Source:      source,
		},
	}
}
