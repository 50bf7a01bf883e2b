package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/dispatch"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/settings"
)

// Executor Job contract markers. The container must print MarkerStarted
// before any other stdout, then MarkerResultPrefix followed by the result
// JSON on a single line.
const (
	MarkerStarted      = "LLMCTL_EXECUTOR_STARTED"
	MarkerResultPrefix = "LLMCTL_EXECUTOR_RESULT_JSON="
)

// Executor Job environment. The payload is the base64 of the dispatch
// payload JSON; the in-pod runner decodes it (or reads stdin when unset).
const (
	EnvPayloadB64  = "LLMCTL_PAYLOAD_B64"
	EnvExecutionID = "LLMCTL_EXECUTION_ID"
)

const (
	executorAppLabel      = "llmctl-executor"
	executorContainerName = "executor"
)

// KubernetesExecutor dispatches node work as one Kubernetes Job per
// execution. The dispatch is confirmed only when the pod log shows both
// contract markers; anything else after submission is ambiguous and is
// surfaced as dispatch_failed with dispatch_uncertain=true.
type KubernetesExecutor struct {
	clientset kubernetes.Interface
	cfg       settings.KubernetesSettings
	registry  *dispatch.Registry
	log       *logger.Logger

	// fetchLogs and pollInterval are seams for tests.
	fetchLogs    func(ctx context.Context, namespace, podName string) (string, error)
	pollInterval time.Duration
}

// NewKubernetesExecutor creates the executor. clientset may be nil when the
// client could not be built (no kubeconfig outside the cluster); every
// dispatch then fails cleanly without invoking the callback.
func NewKubernetesExecutor(clientset kubernetes.Interface, cfg settings.KubernetesSettings, registry *dispatch.Registry, log *logger.Logger) *KubernetesExecutor {
	if registry == nil {
		registry = dispatch.Default
	}
	k := &KubernetesExecutor{
		clientset:    clientset,
		cfg:          cfg,
		registry:     registry,
		log:          log,
		pollInterval: 2 * time.Second,
	}
	k.fetchLogs = k.readPodLogs
	return k
}

// NewClientset builds a clientset from the runtime settings: in-cluster
// config when in_cluster is set, otherwise the stored kubeconfig content.
func NewClientset(cfg settings.KubernetesSettings) (kubernetes.Interface, error) {
	var restCfg *rest.Config
	var err error
	switch {
	case cfg.InCluster:
		restCfg, err = rest.InClusterConfig()
	case cfg.Kubeconfig != "":
		restCfg, err = clientcmd.RESTConfigFromKubeConfig([]byte(cfg.Kubeconfig))
	default:
		return nil, errors.New("kubeconfig required when not running in cluster")
	}
	if err != nil {
		return nil, fmt.Errorf("build kubernetes config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

func (k *KubernetesExecutor) Name() string {
	return contracts.ProviderKubernetes
}

// Execute submits the Job and waits for the contract markers. The callback
// only runs after a confirmed result; ambiguous dispatches never reach it.
func (k *KubernetesExecutor) Execute(ctx context.Context, req *Request, cb Callback) *Result {
	meta := metadataFor(req, contracts.ProviderKubernetes)
	meta.FinalProvider = contracts.ProviderKubernetes

	if k.clientset == nil {
		meta.DispatchStatus = contracts.DispatchFailed
		return &Result{
			Status:   StatusFailed,
			Metadata: meta,
			Err:      fmt.Errorf("%w: kubernetes client unavailable, kubeconfig required outside the cluster", contracts.ErrDispatchFailed),
		}
	}

	key := contracts.DispatchKey(contracts.ProviderKubernetes, req.ExecutionID)
	if !k.registry.Register(key) {
		meta.DispatchStatus = contracts.DispatchFailed
		k.log.Warn("duplicate kubernetes dispatch rejected", "dispatch_key", key, "run_id", req.RunID)
		return &Result{
			Status:   StatusFailed,
			Metadata: meta,
			Err:      fmt.Errorf("%w: dispatch key %q already registered", contracts.ErrIdempotencyConflict, key),
		}
	}

	job, err := k.buildJob(req)
	if err != nil {
		meta.DispatchStatus = contracts.DispatchFailed
		return &Result{
			Status:   StatusFailed,
			Metadata: meta,
			Err:      fmt.Errorf("%w: %v", contracts.ErrDispatchFailed, err),
		}
	}
	meta.ProviderDispatchID = contracts.Ptr(contracts.DispatchKey(contracts.ProviderKubernetes, job.Name))

	dispatchCtx, cancel := context.WithTimeout(ctx, req.Timeouts.dispatch())
	created, err := k.clientset.BatchV1().Jobs(k.cfg.Namespace).Create(dispatchCtx, job, metav1.CreateOptions{})
	cancel()
	if err != nil {
		meta.DispatchStatus = contracts.DispatchFailed
		k.log.Error("kubernetes job submission failed",
			"job", job.Name,
			"namespace", k.cfg.Namespace,
			"error", err,
		)
		return &Result{
			Status:   StatusFailed,
			Metadata: meta,
			Err:      fmt.Errorf("%w: job submission: %v", contracts.ErrDispatchFailed, err),
		}
	}

	k.log.Info("kubernetes job dispatched",
		"job", created.Name,
		"namespace", k.cfg.Namespace,
		"run_id", req.RunID,
		"node_id", req.NodeID,
	)

	output, err := k.awaitResult(ctx, created.Name, req.Timeouts)
	if err != nil {
		meta.DispatchStatus = contracts.DispatchFailed
		meta.DispatchUncertain = true
		k.log.Error("kubernetes dispatch ambiguous",
			"job", created.Name,
			"error", err,
		)
		return &Result{
			Status:   StatusFailed,
			Metadata: meta,
			Err:      fmt.Errorf("%w: %v", contracts.ErrDispatchFailed, err),
		}
	}

	meta.DispatchStatus = contracts.DispatchConfirmed
	if cb != nil {
		output, err = cb(ctx, output)
		if err != nil {
			return &Result{
				Status:   StatusFailed,
				Metadata: meta,
				Err:      fmt.Errorf("%w: kubernetes execution %s: %v", contracts.ErrExecution, req.ExecutionID, err),
			}
		}
	}
	return &Result{Status: StatusSucceeded, Output: output, Metadata: meta}
}

// Cancel deletes the Job with the configured grace period, then, when force
// is set, deletes again with grace zero. A missing Job is not an error.
func (k *KubernetesExecutor) Cancel(ctx context.Context, req *Request, force bool) error {
	if k.clientset == nil {
		return nil
	}

	name := JobName(req.RunID, req.NodeID, req.ExecutionIndex)
	policy := metav1.DeletePropagationBackground

	grace := int64(req.Timeouts.CancelGraceSeconds)
	err := k.clientset.BatchV1().Jobs(k.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
		PropagationPolicy:  &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("cancel job %s: %w", name, err)
	}

	if force {
		zero := int64(0)
		err := k.clientset.BatchV1().Jobs(k.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
			GracePeriodSeconds: &zero,
			PropagationPolicy:  &policy,
		})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("force cancel job %s: %w", name, err)
		}
	}
	return nil
}

// PruneFinishedJobs deletes executor Jobs that finished more than
// job_ttl_seconds ago. Returns how many were deleted.
func (k *KubernetesExecutor) PruneFinishedJobs(ctx context.Context, now time.Time) (int, error) {
	if k.clientset == nil {
		return 0, nil
	}

	ttl := time.Duration(k.cfg.JobTTLSeconds) * time.Second
	jobs, err := k.clientset.BatchV1().Jobs(k.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + executorAppLabel,
	})
	if err != nil {
		return 0, fmt.Errorf("list executor jobs: %w", err)
	}

	policy := metav1.DeletePropagationBackground
	pruned := 0
	for i := range jobs.Items {
		job := &jobs.Items[i]
		finished := jobFinishedAt(job)
		if finished == nil || now.Sub(*finished) < ttl {
			continue
		}
		err := k.clientset.BatchV1().Jobs(k.cfg.Namespace).Delete(ctx, job.Name, metav1.DeleteOptions{
			PropagationPolicy: &policy,
		})
		if err != nil && !apierrors.IsNotFound(err) {
			k.log.Error("failed to prune job", "job", job.Name, "error", err)
			continue
		}
		pruned++
	}
	if pruned > 0 {
		k.log.Info("pruned finished executor jobs", "count", pruned)
	}
	return pruned, nil
}

func (k *KubernetesExecutor) buildJob(req *Request) (*batchv1.Job, error) {
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch payload: %w", err)
	}

	labels := map[string]string{
		"app":                          executorAppLabel,
		"llmctl.io/run-id":             req.RunID.String(),
		"llmctl.io/node-id":            req.NodeID.String(),
		"llmctl.io/workspace-identity": sanitizeLabelValue(req.WorkspaceIdentity),
	}

	ttl := int32(k.cfg.JobTTLSeconds)
	backoff := int32(0)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(req.RunID, req.NodeID, req.ExecutionIndex),
			Namespace: k.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			BackoffLimit:            &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: k.cfg.ServiceAccount,
					Containers: []corev1.Container{{
						Name:  executorContainerName,
						Image: k.cfg.Image,
						Env: []corev1.EnvVar{
							{Name: EnvPayloadB64, Value: base64.StdEncoding.EncodeToString(payloadJSON)},
							{Name: EnvExecutionID, Value: req.ExecutionID},
						},
					}},
				},
			},
		},
	}

	if k.cfg.GPULimit > 0 {
		job.Spec.Template.Spec.Containers[0].Resources = corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				"nvidia.com/gpu": *resource.NewQuantity(int64(k.cfg.GPULimit), resource.DecimalSI),
			},
		}
	}
	for _, secret := range k.cfg.ImagePullSecrets {
		job.Spec.Template.Spec.ImagePullSecrets = append(job.Spec.Template.Spec.ImagePullSecrets,
			corev1.LocalObjectReference{Name: secret})
	}
	return job, nil
}

// awaitResult polls the Job's pod until both contract markers are observed
// or the execution deadline passes. Every error return here is ambiguous:
// the Job was submitted, so the work may or may not have run.
func (k *KubernetesExecutor) awaitResult(ctx context.Context, jobName string, timeouts Timeouts) (map[string]any, error) {
	deadline := time.Now().Add(timeouts.execution())
	ticker := time.NewTicker(k.pollInterval)
	defer ticker.Stop()

	for {
		pod, err := k.findJobPod(ctx, jobName)
		if err == nil && pod != nil {
			terminal := pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
			if terminal || pod.Status.Phase == corev1.PodRunning {
				logCtx, cancel := context.WithTimeout(ctx, timeouts.logCollection())
				logs, logErr := k.fetchLogs(logCtx, k.cfg.Namespace, pod.Name)
				cancel()
				switch {
				case logErr == nil:
					started, result, parseErr := parseExecutorLogs(logs)
					if parseErr != nil {
						return nil, parseErr
					}
					if started && result != nil {
						return result, nil
					}
					if terminal {
						if !started {
							return nil, errors.New("pod finished without the start marker")
						}
						return nil, errors.New("pod finished without a result marker")
					}
				case terminal:
					return nil, fmt.Errorf("log collection failed on finished pod: %v", logErr)
				}
			}
		}

		if time.Now().After(deadline) {
			return nil, errors.New("timed out waiting for executor markers")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (k *KubernetesExecutor) findJobPod(ctx context.Context, jobName string) (*corev1.Pod, error) {
	pods, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return nil, err
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	return &pods.Items[0], nil
}

func (k *KubernetesExecutor) readPodLogs(ctx context.Context, namespace, podName string) (string, error) {
	req := k.clientset.CoreV1().Pods(namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: executorContainerName,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseExecutorLogs scans pod output for the contract markers. The first
// non-empty line must be the start marker; the result line carries JSON
// after the prefix. A result line with bad JSON is an error (ambiguous).
func parseExecutorLogs(logs string) (started bool, result map[string]any, err error) {
	for _, line := range strings.Split(logs, "\n") {
		line = strings.TrimRight(line, "\r")
		if !started {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if line == MarkerStarted {
				started = true
				continue
			}
			return false, nil, nil
		}
		if strings.HasPrefix(line, MarkerResultPrefix) {
			raw := strings.TrimPrefix(line, MarkerResultPrefix)
			var out map[string]any
			if err := json.Unmarshal([]byte(raw), &out); err != nil {
				return true, nil, fmt.Errorf("executor result is not valid JSON: %v", err)
			}
			return true, out, nil
		}
	}
	return started, nil, nil
}

// JobName derives the DNS-1123 Job name for one node execution.
func JobName(runID, nodeID uuid.UUID, executionIndex int) string {
	return fmt.Sprintf("llmctl-%s-%s-%d", shortID(runID), shortID(nodeID), executionIndex)
}

func shortID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

var labelValueUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeLabelValue(v string) string {
	v = labelValueUnsafe.ReplaceAllString(v, "-")
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-_.")
}

func jobFinishedAt(job *batchv1.Job) *time.Time {
	if job.Status.CompletionTime != nil {
		t := job.Status.CompletionTime.Time
		return &t
	}
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			t := cond.LastTransitionTime.Time
			return &t
		}
	}
	return nil
}
