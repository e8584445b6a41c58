package onion

import (
	"crypto/sha1"
	"encoding/base32"
	"strconv"
	"strings"
	"time"
)

const (
	// Default time period length in minutes (1 day), also used as the
	// legacy descriptor's publication-time granularity.
	defaultTimePeriodLength = 1440
	// Rotation time offset: 12 hours, so the period boundary falls at
	// 12:00 UTC rather than at 00:00 UTC where the epoch lands.
	rotationTimeOffset = 12 * 60

	hsdirNReplicas = 2 // secret-id-part replicas 0 and 1, per rend-spec §1.4
)

// TimePeriod computes the current time period number.
// tp = (minutes_since_epoch - rotation_time_offset) / time_period_length
func TimePeriod(t time.Time, periodLength int64) int64 {
	if periodLength <= 0 {
		periodLength = defaultTimePeriodLength
	}
	minutesSinceEpoch := t.Unix() / 60
	return (minutesSinceEpoch - rotationTimeOffset) / periodLength
}

// SecretIDPart computes the secret-id-part for a given replica of the
// current time period: SHA-1(time-period-string | replica), per rend-spec
// §1.4's descriptor-id derivation. time-period-string is the period number
// rendered as seconds-since-epoch of its boundary, matching the descriptor's
// own publication-time granularity.
func SecretIDPart(periodNum int64, periodLength int64, replica byte) [20]byte {
	if periodLength <= 0 {
		periodLength = defaultTimePeriodLength
	}
	boundary := periodNum*periodLength*60 + rotationTimeOffset*60
	input := strconv.FormatInt(boundary, 10) + string(replica)
	return sha1.Sum([]byte(input))
}

// DescriptorID computes the descriptor-id for a service's 80-bit permanent
// identifier (the same value encoded in its .onion address) and a given
// replica's secret-id-part: SHA-1(permanent-id | secret-id-part). HSDirs are
// selected as the ring successors of this value.
func DescriptorID(permanentID [10]byte, secretIDPart [20]byte) [20]byte {
	h := sha1.New()
	h.Write(permanentID[:])
	h.Write(secretIDPart[:])
	var id [20]byte
	copy(id[:], h.Sum(nil))
	return id
}

// DescriptorIDs computes the descriptor-id for every replica the client
// should query, in replica order.
func DescriptorIDs(permanentID [10]byte, periodNum, periodLength int64) [][20]byte {
	ids := make([][20]byte, 0, hsdirNReplicas)
	for replica := byte(0); replica < hsdirNReplicas; replica++ {
		secret := SecretIDPart(periodNum, periodLength, replica)
		ids = append(ids, DescriptorID(permanentID, secret))
	}
	return ids
}

// EncodeDescriptorID renders a descriptor-id in the base32 form used in
// HSDir fetch URLs and descriptor "rendezvous-service-descriptor" lines.
func EncodeDescriptorID(id [20]byte) string {
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(id[:]))
}
