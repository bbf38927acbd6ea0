// Package telemetry provides observability instrumentation for AquaOps.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and domain event publishing behind a
// single Telemetry value that every engine component receives at construction.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Components scope the logger to themselves:
//
//	tel = tel.Component("pm")
//	tel.Logger.WithTemplateID(id).Info("Template evaluated")
//
// # Metrics
//
// Metrics live in a private registry exposed by Metrics.Handler. Every Record
// method is safe on a disabled or nil instance, so callers never guard:
//
//	tel.Metrics.RecordGeneration("generated", "time")
//	tel.Metrics.RecordBreach("response")
//
// # Domain Events
//
// The EventPublisher delivers workorder.*, sla.*, alarm.*, predictive.* and
// pm.* events to in-process subscribers:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Subject)
//	}, telemetry.FilterByType(telemetry.EventSLABreached))
//
// Events are best effort. Durable records of rejected and degraded actions are
// written by the stores package, not here.
//
// # Tracing
//
// Exporters: otlp (gRPC), stdout, none. Engine operations are wrapped with
// StartOperation:
//
//	op := tel.StartOperation(ctx, "sla.sweep")
//	defer func() { op.End(err) }()
package telemetry
