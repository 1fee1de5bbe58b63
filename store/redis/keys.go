package redis

// Key prefixes for primary entity storage.
const (
	prefixEndpoint = "hookrelay:ep:"
	prefixEvent    = "hookrelay:evt:"
	prefixDelivery = "hookrelay:del:"
	prefixDLQ      = "hookrelay:dlq:"
)

// Key prefixes for unique indexes and markers.
const (
	uniqueEventIdem = "hookrelay:u:evt:idem:"
	markerRedriven  = "hookrelay:u:dlq:redriven:"
)

// Key prefixes for sorted set indexes.
const (
	zEndpointOrg  = "hookrelay:z:ep:org:" // + organization ID
	zEventAll     = "hookrelay:z:evt:all"
	zDeliveryEP   = "hookrelay:z:del:ep:"  // + endpoint ID
	zDeliveryEvt  = "hookrelay:z:del:evt:" // + event ID
	zDeliveryPend = "hookrelay:z:del:pending"
	zDeliveryProc = "hookrelay:z:del:processing"
	zDLQAll       = "hookrelay:z:dlq:all"
	zDLQOrg       = "hookrelay:z:dlq:org:" // + organization ID
	zDLQEndpoint  = "hookrelay:z:dlq:ep:"  // + endpoint ID
)

// Prefixes for secondary structures.
const (
	sEndpointActive = "hookrelay:s:ep:org:" // + organizationID + ":active"
	hEndpointStats  = "hookrelay:h:ep:stats:"
	lDeliveryLogs   = "hookrelay:l:del:logs:"
)

// Stats hash fields.
const (
	statsFieldTotal      = "total"
	statsFieldSuccessful = "successful"
	statsFieldFailed     = "failed"
)

// entityKey returns the primary key for an entity.
func entityKey(prefix, id string) string {
	return prefix + id
}

// activeSetKey returns the set key for active endpoints of an organization.
func activeSetKey(organizationID string) string {
	return sEndpointActive + organizationID + ":active"
}
