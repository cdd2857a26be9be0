package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.flipt.io/backhaul/pkg/protocol"
	"gopkg.in/yaml.v3"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
)

// K8sSource reads client configuration and credentials from the Kubernetes API.
type K8sSource struct {
	logger    *slog.Logger
	clientset kubernetes.Interface
}

// NewK8sSource connects using $KUBECONFIG or the in-cluster configuration.
func NewK8sSource() (*K8sSource, error) {
	config, err := k8sConfig()
	if err != nil {
		return nil, err
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}

	return newK8sSourceForClientset(client), nil
}

func newK8sSourceForClientset(clientset kubernetes.Interface) *K8sSource {
	return &K8sSource{
		logger:    slog.With("component", "k8s_source"),
		clientset: clientset,
	}
}

// factory returns an informer factory scoped to a single named object.
func (s *K8sSource) factory(namespace, name string) informers.SharedInformerFactory {
	return informers.NewSharedInformerFactoryWithOptions(s.clientset, 0,
		informers.WithNamespace(namespace),
		informers.WithTweakListOptions(func(lo *metav1.ListOptions) {
			lo.FieldSelector = fields.OneTermEqualSelector("metadata.name", name).String()
		}),
	)
}

// WatchConfigMap sends the clients stored under key of the named ConfigMap on
// ch, initially and on every update. It returns once the initial list completed.
func (s *K8sSource) WatchConfigMap(ctx context.Context, ch chan<- *Clients, namespace, name, key string) error {
	factory := s.factory(namespace, name)
	informer := factory.Core().V1().ConfigMaps().Informer()

	send := func(cm *v1.ConfigMap) {
		clients, err := buildClientsFromConfigMap(cm, key)
		if err != nil {
			s.logger.Error("Converting ConfigMap into clients", "error", err)
			return
		}

		select {
		case ch <- clients:
		case <-ctx.Done():
		}
	}

	if _, err := informer.AddEventHandler(TypedEventHandler[*v1.ConfigMap]{
		logger:  s.logger.With("resource", "configmap"),
		AddFunc: send,
		UpdateFunc: func(_, cm *v1.ConfigMap) {
			send(cm)
		},
	}); err != nil {
		return err
	}

	s.logger.Debug("Starting ConfigMap Watcher")

	factory.Start(ctx.Done())

	// wait for initial list to complete and watchers to begin before proceeding
	s.logger.Debug("Waiting for Cache Sync")
	for typ, synced := range factory.WaitForCacheSync(ctx.Done()) {
		if !synced {
			return fmt.Errorf("syncing %v informer: %w", typ, ctx.Err())
		}
	}

	return nil
}

func buildClientsFromConfigMap(cfg *v1.ConfigMap, key string) (*Clients, error) {
	raw, ok := cfg.Data[key]
	if !ok {
		return nil, fmt.Errorf("key %q not found in ConfigMap", key)
	}

	var clients Clients
	if err := yaml.Unmarshal([]byte(raw), &clients); err != nil {
		return nil, fmt.Errorf("decoding clients: %w", err)
	}

	if err := clients.Validate(); err != nil {
		return nil, fmt.Errorf("validating clients: %w", err)
	}

	return &clients, nil
}

// SecretToken is a bearer token read from a key of a Kubernetes Secret.
// It implements client.Authenticator and reads the current value on every call.
type SecretToken struct {
	informer  cache.SharedIndexInformer
	namespace string
	name      string
	key       string
}

// SecretToken starts watching the named Secret and waits for the initial sync.
func (s *K8sSource) SecretToken(ctx context.Context, namespace, name, key string) (*SecretToken, error) {
	source := &SecretToken{namespace: namespace, name: name, key: key}

	factory := s.factory(namespace, name)
	source.informer = factory.Core().V1().Secrets().Informer()
	if _, err := source.informer.AddEventHandler(TypedEventHandler[*v1.Secret]{
		logger: s.logger.With("resource", "secret"),
	}); err != nil {
		return nil, err
	}

	s.logger.Debug("Starting secret watcher")
	factory.Start(ctx.Done())

	s.logger.Debug("Waiting for cache sync")
	// wait for initial list to complete and watchers to begin before proceeding
	for !source.informer.HasSynced() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		factory.WaitForCacheSync(ctx.Done())
	}

	s.logger.Debug("Finished waiting for sync")

	return source, nil
}

// GetCredential returns the current token with surrounding whitespace removed.
func (s *SecretToken) GetCredential() (string, error) {
	secret := &v1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: s.namespace,
			Name:      s.name,
		},
	}

	obj, exists, err := s.informer.GetStore().Get(secret)
	if err != nil {
		return "", err
	}

	if !exists {
		return "", fmt.Errorf("secret not found: %s/%s", secret.ObjectMeta.GetNamespace(), secret.ObjectMeta.GetName())
	}

	secret, ok := obj.(*v1.Secret)
	if !ok {
		return "", fmt.Errorf("secret unexpected type: %T", obj)
	}

	token, ok := secret.Data[s.key]
	if !ok || len(token) == 0 {
		return "", errors.New("secret data empty")
	}

	return strings.TrimSpace(string(token)), nil
}

// Authenticate sets a Bearer Authorization header using the current token.
func (s *SecretToken) Authenticate(_ context.Context, h *protocol.Headers) error {
	token, err := s.GetCredential()
	if err != nil {
		return err
	}

	h.Set("Authorization", "Bearer "+token)

	return nil
}

func k8sConfig() (*rest.Config, error) {
	if cfg := os.Getenv("KUBECONFIG"); cfg != "" {
		return clientcmd.BuildConfigFromFlags("", cfg)
	}

	return rest.InClusterConfig()
}

type TypedEventHandler[T any] struct {
	logger     *slog.Logger
	AddFunc    func(T)
	UpdateFunc func(T, T)
	DeleteFunc func(T)
}

// OnAdd calls AddFunc if it's not nil.
func (t TypedEventHandler[T]) OnAdd(obj interface{}, isInInitialList bool) {
	if t.logger != nil {
		t.logger.Debug("Resource added")
	}

	if t.AddFunc != nil {
		t.AddFunc(obj.(T))
	}
}

// OnUpdate calls UpdateFunc if it's not nil.
func (t TypedEventHandler[T]) OnUpdate(oldObj, newObj interface{}) {
	if t.logger != nil {
		t.logger.Debug("Resource updated")
	}

	if t.UpdateFunc != nil {
		var oldT T
		if oldObj != nil {
			oldT = oldObj.(T)
		}

		var newT T
		if newObj != nil {
			newT = newObj.(T)
		}

		t.UpdateFunc(oldT, newT)
	}
}

// OnDelete calls DeleteFunc if it's not nil.
func (t TypedEventHandler[T]) OnDelete(obj interface{}) {
	if t.logger != nil {
		t.logger.Debug("Resource deleted")
	}

	if t.DeleteFunc != nil {
		t.DeleteFunc(obj.(T))
	}
}
