// Package hookrelay is the webhook delivery engine of the forms platform.
//
// hookrelay is a library, not a service. The platform feeds it submission
// events (completed or partial) and it fans them out to every matching
// organization endpoint with signed, retried, rate-limited HTTP deliveries,
// a full per-attempt audit log, and a redrivable dead letter queue.
//
// Key properties:
//   - At-least-once delivery: every delivery terminates in success or
//     dead_letter; receivers de-duplicate on the X-Forms-Delivery-Id header
//   - HMAC-SHA256 signatures with replay protection on every request
//   - Exponential backoff persisted on the delivery, so retries survive
//     process restarts
//   - Per-endpoint rate limits shared across worker processes
//   - Composable store pattern with Postgres, Redis, Mongo, and in-memory
//     backends
//
// Quick start:
//
//	r, err := hookrelay.New(
//	    hookrelay.WithStore(memoryStore),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	r.Start(ctx)
//
//	r.Dispatch(ctx, &event.Event{
//	    Type:           event.TypeSubmissionCreated,
//	    OrganizationID: "org_123",
//	    FormID:         "form_9",
//	    SubmissionID:   "sub_42",
//	    Snapshot:       json.RawMessage(`{"email":"ada@example.com"}`),
//	})
package hookrelay
