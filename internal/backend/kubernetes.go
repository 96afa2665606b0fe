package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/basket/clawmesh/internal/apperr"
	"github.com/basket/clawmesh/internal/config"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelSessionID = "clawmesh/session-id"
	labelJobName   = "job-name"
	containerName  = "session"
	maxLogBytes    = 8 << 20
)

// Kubernetes runs each session as a batch/v1 Job.
type Kubernetes struct {
	client kubernetes.Interface
	cfg    config.KubernetesConfig
	logger *slog.Logger
}

// NewKubernetes wraps an existing clientset. Tests pass the fake clientset.
func NewKubernetes(client kubernetes.Interface, cfg config.KubernetesConfig, logger *slog.Logger) *Kubernetes {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	return &Kubernetes{client: client, cfg: cfg, logger: logger.With("component", "backend", "backend", "kubernetes")}
}

// NewKubernetesFromConfig builds a clientset from in-cluster config, falling
// back to the kubeconfig file (cfg.Kubeconfig, $KUBECONFIG, ~/.kube/config).
func NewKubernetesFromConfig(cfg config.KubernetesConfig, logger *slog.Logger) (*Kubernetes, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		path := cfg.Kubeconfig
		if path == "" {
			path = os.Getenv("KUBECONFIG")
		}
		if path == "" {
			home, herr := os.UserHomeDir()
			if herr != nil {
				return nil, fmt.Errorf("kubernetes: no in-cluster config and no home dir: %w", herr)
			}
			path = filepath.Join(home, ".kube", "config")
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("kubernetes: load kubeconfig %s: %w", path, err)
		}
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes: build clientset: %w", err)
	}
	return NewKubernetes(cs, cfg, logger), nil
}

func (k *Kubernetes) Name() string { return "kubernetes" }

func (k *Kubernetes) CreateJob(ctx context.Context, sessionID, prompt string, extra map[string]string) (JobRef, error) {
	name := JobName(sessionID)
	jobs := k.client.BatchV1().Jobs(k.cfg.Namespace)

	created, err := jobs.Create(ctx, k.buildJob(name, sessionID, prompt, extra), metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, gerr := jobs.Get(ctx, name, metav1.GetOptions{})
		if gerr != nil {
			return JobRef{}, k.mapErr("create", JobRef{Name: name}, gerr)
		}
		k.logger.Info("job already exists, reusing", "job", name, "session_id", sessionID)
		return k.ref(existing), nil
	}
	if err != nil {
		return JobRef{}, k.mapErr("create", JobRef{Name: name}, err)
	}
	k.logger.Info("job created", "job", name, "namespace", k.cfg.Namespace, "session_id", sessionID)
	return k.ref(created), nil
}

func (k *Kubernetes) buildJob(name, sessionID, prompt string, extra map[string]string) *batchv1.Job {
	labels := map[string]string{
		labelManagedBy: "clawmesh",
		labelSessionID: sessionID,
	}

	env := []corev1.EnvVar{
		{Name: "SESSION_ID", Value: sessionID},
		{Name: "PROMPT", Value: prompt},
	}
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, corev1.EnvVar{Name: extraEnvName(key), Value: extra[key]})
	}

	command := append(append([]string{}, k.cfg.Command...), prompt)

	backoff := int32(0)
	spec := batchv1.JobSpec{
		BackoffLimit: &backoff,
		Template: corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{Labels: labels},
			Spec: corev1.PodSpec{
				RestartPolicy:      corev1.RestartPolicyNever,
				ServiceAccountName: k.cfg.ServiceAccount,
				Containers: []corev1.Container{{
					Name:    containerName,
					Image:   k.cfg.Image,
					Command: command,
					Env:     env,
				}},
			},
		},
	}
	if k.cfg.TTLAfterFinished > 0 {
		ttl := k.cfg.TTLAfterFinished
		spec.TTLSecondsAfterFinished = &ttl
	}
	if k.cfg.ActiveDeadlineSeconds > 0 {
		deadline := k.cfg.ActiveDeadlineSeconds
		spec.ActiveDeadlineSeconds = &deadline
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.cfg.Namespace,
			Labels:    labels,
		},
		Spec: spec,
	}
}

func (k *Kubernetes) GetStatus(ctx context.Context, ref JobRef) (JobStatus, error) {
	job, err := k.client.BatchV1().Jobs(k.namespace(ref)).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return "", k.mapErr("get_status", ref, err)
	}
	return jobStatus(job), nil
}

// jobStatus maps Job status onto JobStatus. Completion wins over failure
// counts, which win over activity.
func jobStatus(job *batchv1.Job) JobStatus {
	st := job.Status
	for _, c := range st.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return JobCompleted
		case batchv1.JobFailed:
			return JobFailed
		}
	}
	switch {
	case st.Succeeded > 0:
		return JobCompleted
	case st.Failed > 0:
		return JobFailed
	case st.Active > 0:
		return JobRunning
	default:
		return JobPending
	}
}

func (k *Kubernetes) GetLogs(ctx context.Context, ref JobRef, maxLines int) ([]string, error) {
	if maxLines <= 0 {
		maxLines = DefaultLogLines
	}
	ns := k.namespace(ref)
	pods, err := k.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: labelJobName + "=" + ref.Name,
	})
	if err != nil {
		return nil, k.mapErr("get_logs", ref, err)
	}
	if len(pods.Items) == 0 {
		// No pod yet, or the job is gone and garbage collected.
		if _, err := k.client.BatchV1().Jobs(ns).Get(ctx, ref.Name, metav1.GetOptions{}); err != nil {
			return nil, k.mapErr("get_logs", ref, err)
		}
		return []string{}, nil
	}
	sort.Slice(pods.Items, func(i, j int) bool {
		return pods.Items[j].CreationTimestamp.Before(&pods.Items[i].CreationTimestamp)
	})
	pod := pods.Items[0]

	tail := int64(maxLines)
	stream, err := k.client.CoreV1().Pods(ns).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container: containerName,
		TailLines: &tail,
	}).Stream(ctx)
	if err != nil {
		return nil, k.mapErr("get_logs", ref, err)
	}
	defer stream.Close()
	raw, err := io.ReadAll(io.LimitReader(stream, maxLogBytes))
	if err != nil {
		return nil, k.mapErr("get_logs", ref, err)
	}
	return TailLines(string(raw), maxLines), nil
}

func (k *Kubernetes) DeleteJob(ctx context.Context, ref JobRef) error {
	propagation := metav1.DeletePropagationBackground
	err := k.client.BatchV1().Jobs(k.namespace(ref)).Delete(ctx, ref.Name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		return k.mapErr("delete", ref, err)
	}
	k.logger.Info("job deleted", "job", ref.Name)
	return nil
}

func (k *Kubernetes) namespace(ref JobRef) string {
	if ref.Namespace != "" {
		return ref.Namespace
	}
	return k.cfg.Namespace
}

func (k *Kubernetes) ref(job *batchv1.Job) JobRef {
	return JobRef{
		Backend:   k.Name(),
		Name:      job.Name,
		Namespace: job.Namespace,
		ID:        string(job.UID),
	}
}

func (k *Kubernetes) mapErr(op string, ref JobRef, err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return apperr.Wrap(apperr.CodeNotFound, err, fmt.Sprintf("job %q not found", ref.Name))
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsTooManyRequests(err),
		apierrors.IsInternalError(err):
		return apperr.Wrap(apperr.CodeBackendUnavailable, err, op+": kubernetes api unavailable")
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err), apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err), apierrors.IsConflict(err):
		return apperr.Wrap(apperr.CodeBackendFailure, err, op+": kubernetes rejected the request")
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return apperr.Wrap(apperr.CodeBackendFailure, err, op+": kubernetes rejected the request")
	}
	return classify(op, err)
}

// extraEnvName turns an extra key into EXTRA_<KEY> with only characters
// valid in an environment variable name.
func extraEnvName(key string) string {
	var b strings.Builder
	b.WriteString("EXTRA_")
	for _, c := range strings.ToUpper(key) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Ping asks the API server for its version. It returns the git version
// string on success.
func (k *Kubernetes) Ping(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classify("ping", err)
	}
	info, err := k.client.Discovery().ServerVersion()
	if err != nil {
		return "", k.mapErr("ping", JobRef{}, err)
	}
	return info.GitVersion, nil
}
