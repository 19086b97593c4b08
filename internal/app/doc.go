// Package app composes the usage tracking services into a running
// application and manages their lifecycle.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── session/        # Open session markers and closed sessions
//	│   ├── aggregate/      # Per-day aggregate records
//	│   ├── settings/       # Per-user tracking settings
//	│   ├── insight/        # Weekly rollups, suggestions, custom rules
//	│   └── user/           # User profiles
//	├── storage/            # Store interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (OpenSessionStore, AggregateStore, ...)
//	│   ├── kvstore/        # KV-backed store implementation
//	│   ├── memory/         # In-process KV backend for tests and development
//	│   ├── redis/          # Redis KV backend
//	│   └── postgres/       # PostgreSQL store implementation
//	├── services/           # Business logic (recorder, aggregates, insights, ...)
//	├── httpapi/            # HTTP handlers and routing
//	├── system/             # Service lifecycle management
//	└── metrics/            # Prometheus collectors
//
// The app package wires services from internal/app/services/ with the store
// implementations they depend on, registers background workers (the abandoned
// session janitor, the retention sweeper, the event hub) with the lifecycle
// manager, and exposes everything the HTTP layer needs. Business rules live
// in the service packages, not here.
//
// # Dependency Direction
//
//	cmd/trackerd/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │
//	      └──► internal/app/storage/ (persistence)
package app
