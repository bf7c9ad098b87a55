// Package command defines the replicated Command wire contract applied by
// the Raft finite state machine (internal/fsm). Treat this enumeration the
// way the source treats it: variants may be appended, never reordered or
// renumbered, since committed log entries must decode forever.
package command

import (
	"encoding/json"
	"fmt"

	"github.com/conreg/conreg/internal/model"
)

// Kind tags which payload a Command carries.
type Kind string

const (
	KindSet                      Kind = "Set"
	KindDelete                   Kind = "Delete"
	KindSetConfig                Kind = "SetConfig"
	KindUpdateConfig             Kind = "UpdateConfig"
	KindDeleteConfig             Kind = "DeleteConfig"
	KindUpsertNamespace          Kind = "UpsertNamespace"
	KindDeleteNamespace          Kind = "DeleteNamespace"
	KindRegisterService          Kind = "RegisterService"
	KindDeregisterService        Kind = "DeregisterService"
	KindRegisterServiceInstance  Kind = "RegisterServiceInstance"
	KindDeregisterServiceInstance Kind = "DeregisterServiceInstance"
	KindHeartbeat                Kind = "Heartbeat"
	KindCacheWrite                Kind = "CacheWrite"
)

// Command is the tagged union replicated through the Raft log. Payload is
// kept as raw JSON and decoded lazily by the FSM so that unknown future
// variants can still be logged and skipped instead of crashing replay.
type Command struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func encode(kind Kind, payload any) (Command, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("command: marshal %s payload: %w", kind, err)
	}
	return Command{Kind: kind, Payload: b}, nil
}

// Marshal serializes a Command to bytes for raft.Raft.Apply.
func (c Command) Marshal() ([]byte, error) { return json.Marshal(c) }

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("command: unmarshal envelope: %w", err)
	}
	return c, nil
}

// --- payload types, one per Kind ---

type SetPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type DeletePayload struct {
	Key string `json:"key"`
}

type SetConfigPayload struct {
	Entry model.ConfigEntry `json:"entry"`
}

type UpdateConfigPayload struct {
	Entry model.ConfigEntry `json:"entry"`
}

type DeleteConfigPayload struct {
	NamespaceID string `json:"namespace_id"`
	ConfigID    string `json:"id"`
}

type UpsertNamespacePayload struct {
	Namespace model.Namespace `json:"namespace"`
}

type DeleteNamespacePayload struct {
	NamespaceID string `json:"namespace_id"`
}

type RegisterServicePayload struct {
	Service model.Service `json:"service"`
}

type DeregisterServicePayload struct {
	NamespaceID string `json:"namespace_id"`
	ServiceID   string `json:"service_id"`
}

type RegisterServiceInstancePayload struct {
	Instance model.ServiceInstance `json:"instance"`
}

type DeregisterServiceInstancePayload struct {
	NamespaceID string `json:"namespace_id"`
	ServiceID   string `json:"service_id"`
	InstanceID  string `json:"instance_id"`
}

type HeartbeatPayload struct {
	NamespaceID string `json:"namespace_id"`
	ServiceID   string `json:"service_id"`
	InstanceID  string `json:"instance_id"`
}

type CacheWritePayload struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// Constructors keep callers from hand-rolling the Kind/payload pairing.

func Set(key, value string) (Command, error) {
	return encode(KindSet, SetPayload{Key: key, Value: value})
}

func Delete(key string) (Command, error) {
	return encode(KindDelete, DeletePayload{Key: key})
}

func SetConfig(e model.ConfigEntry) (Command, error) {
	return encode(KindSetConfig, SetConfigPayload{Entry: e})
}

func UpdateConfig(e model.ConfigEntry) (Command, error) {
	return encode(KindUpdateConfig, UpdateConfigPayload{Entry: e})
}

func DeleteConfig(namespaceID, configID string) (Command, error) {
	return encode(KindDeleteConfig, DeleteConfigPayload{NamespaceID: namespaceID, ConfigID: configID})
}

func UpsertNamespace(ns model.Namespace) (Command, error) {
	return encode(KindUpsertNamespace, UpsertNamespacePayload{Namespace: ns})
}

func DeleteNamespace(namespaceID string) (Command, error) {
	return encode(KindDeleteNamespace, DeleteNamespacePayload{NamespaceID: namespaceID})
}

func RegisterService(s model.Service) (Command, error) {
	return encode(KindRegisterService, RegisterServicePayload{Service: s})
}

func DeregisterService(namespaceID, serviceID string) (Command, error) {
	return encode(KindDeregisterService, DeregisterServicePayload{NamespaceID: namespaceID, ServiceID: serviceID})
}

func RegisterServiceInstance(inst model.ServiceInstance) (Command, error) {
	return encode(KindRegisterServiceInstance, RegisterServiceInstancePayload{Instance: inst})
}

func DeregisterServiceInstance(namespaceID, serviceID, instanceID string) (Command, error) {
	return encode(KindDeregisterServiceInstance, DeregisterServiceInstancePayload{
		NamespaceID: namespaceID, ServiceID: serviceID, InstanceID: instanceID,
	})
}

func Heartbeat(namespaceID, serviceID, instanceID string) (Command, error) {
	return encode(KindHeartbeat, HeartbeatPayload{
		NamespaceID: namespaceID, ServiceID: serviceID, InstanceID: instanceID,
	})
}

func CacheWrite(key, value string, ttlSeconds int64) (Command, error) {
	return encode(KindCacheWrite, CacheWritePayload{Key: key, Value: value, TTLSeconds: ttlSeconds})
}

// HistoryID deterministically derives a config_history row id from the
// base entry id and the update time in epoch milliseconds, so that every
// replica applying the same command produces the identical history id.
func HistoryID(baseEntryID, updateTimeMillis int64) int64 {
	return baseEntryID + updateTimeMillis
}
