// Package sessions tracks the gateway's long-lived client sessions across
// stateless replicas.
//
// A Session pairs a durable identity (id plus immutably bound tenant
// credentials) with a process-local Transport. The Registry keeps the local
// map of live transports and, through a MetadataStore, the deployment-wide
// record of which sessions exist. When the store is distributed (Redis), a
// session created on one replica can be reconstructed on another from its
// record alone; only identity and credentials survive the switch, never
// transport-internal state.
//
// The MetadataStore implementation is chosen once at startup. memorystore
// keeps records in process memory (local-only mode); redisstore shares them
// across replicas. Call sites never branch on which one is configured.
package sessions
