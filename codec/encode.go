package codec

import "encoding/binary"

// EncodeDIO serializes a DioMessage back to wire format. It is the
// re-encoding half of the round-trip invariant: EncodeDIO(DecodeDIO(b))
// reproduces b byte-for-byte whenever b carried exactly the sub-options
// this codec understands.
func EncodeDIO(dio DioMessage) []byte {
	b := make([]byte, dioHeaderLen, dioHeaderLen+32)

	b[0] = dio.InstanceID
	b[1] = dio.Version
	binary.BigEndian.PutUint16(b[2:4], dio.Rank)

	flags := dio.MOP<<dioMOPShift&dioMOPMask | dio.Preference&dioPreferenceMk
	if dio.Grounded {
		flags |= dioGroundedBit
	}
	b[4] = flags

	b[5] = dio.DTSN
	b[6] = dio.MobilityFlags
	b[7] = dio.RSSI
	copy(b[8:24], dio.DagID[:])

	if dio.Metric != nil {
		b = appendMetricContainer(b, dio.Metric)
	}
	if dio.Route != nil {
		b = appendRouteInfo(b, dio.Route)
	}
	if dio.DagConfig != nil {
		b = appendDagConfig(b, dio.DagConfig)
	}
	if dio.Prefix != nil {
		b = appendPrefixInfo(b, dio.Prefix)
	}

	return b
}

func appendMetricContainer(b []byte, mc *MetricContainer) []byte {
	payload := []byte{
		mc.Type,
		mc.Flags >> 1,
		(mc.Flags&1)<<7 | mc.Aggregation<<4 | mc.Precedence&0xf,
		0, // length of the metric object that follows
	}
	switch mc.Type {
	case MetricETX:
		etx := make([]byte, 2)
		binary.BigEndian.PutUint16(etx, mc.ETX)
		payload[3] = byte(len(etx))
		payload = append(payload, etx...)
	case MetricEnergy:
		payload[3] = 2
		payload = append(payload, mc.EnergyFlags, mc.EnergyEst)
	}
	return append(b, append([]byte{OptionMetricContainer, byte(len(payload))}, payload...)...)
}

func appendRouteInfo(b []byte, ri *RouteInfo) []byte {
	need := (int(ri.PrefixLength) + 7) / 8
	payload := make([]byte, 6+need)
	payload[0] = ri.PrefixLength
	payload[1] = ri.Flags
	binary.BigEndian.PutUint32(payload[2:6], ri.Lifetime)
	copy(payload[6:], ri.Prefix[:need])
	return append(b, append([]byte{OptionRouteInfo, byte(len(payload))}, payload...)...)
}

func appendDagConfig(b []byte, dc *DagConfig) []byte {
	payload := make([]byte, 14)
	payload[0] = 0 // no auth, PCS = 0
	payload[1] = dc.IntervalDoublings
	payload[2] = dc.IntervalMin
	payload[3] = dc.Redundancy
	binary.BigEndian.PutUint16(payload[4:6], dc.MaxRankInc)
	binary.BigEndian.PutUint16(payload[6:8], dc.MinHopRankInc)
	binary.BigEndian.PutUint16(payload[8:10], dc.OCP)
	payload[10] = 0 // reserved
	payload[11] = dc.DefaultLifetime
	binary.BigEndian.PutUint16(payload[12:14], dc.LifetimeUnit)
	return append(b, append([]byte{OptionDagConfig, byte(len(payload))}, payload...)...)
}

func appendPrefixInfo(b []byte, pi *PrefixInfo) []byte {
	payload := make([]byte, 30)
	payload[0] = pi.Length
	payload[1] = pi.Flags
	binary.BigEndian.PutUint32(payload[2:6], pi.ValidLifetime)
	binary.BigEndian.PutUint32(payload[6:10], pi.PreferredLifetime)
	// payload[10:14] reserved, already zero
	copy(payload[14:30], pi.Prefix[:])
	return append(b, append([]byte{OptionPrefixInfo, byte(len(payload))}, payload...)...)
}

// EncodeDIS serializes a DisMessage to its 2-octet wire form.
func EncodeDIS(dis DisMessage) []byte {
	b := make([]byte, disLen)
	var f uint8
	if dis.F {
		f = 1
	}
	b[1] = f<<7 | (dis.C&0x3)<<5
	return b
}

// EncodeDAO serializes a DaoMessage to wire format.
func EncodeDAO(dao DaoMessage) []byte {
	b := make([]byte, daoHeaderLen, daoHeaderLen+32)
	b[0] = dao.InstanceID
	var flags uint8
	if dao.K {
		flags |= daoKFlag
	}
	if dao.D {
		flags |= daoDFlag
	}
	b[1] = flags
	b[2] = 0 // reserved
	b[3] = dao.Sequence

	if dao.D {
		b = append(b, dao.DagID[:]...)
	}

	if dao.Target != nil {
		need := (int(dao.Target.PrefixLength) + 7) / 8
		payload := make([]byte, 2+need)
		payload[0] = 0 // reserved
		payload[1] = dao.Target.PrefixLength
		copy(payload[2:], dao.Target.Prefix[:need])
		b = append(b, append([]byte{OptionTarget, byte(len(payload))}, payload...)...)
	}

	if dao.Transit != nil {
		payload := []byte{dao.Transit.Flags, dao.Transit.PathControl, dao.Transit.PathSequence, dao.Transit.Lifetime}
		b = append(b, append([]byte{OptionTransit, byte(len(payload))}, payload...)...)
	}

	return b
}

// EncodeDAOAck serializes a DaoAck to its 4-octet wire form.
func EncodeDAOAck(ack DaoAck) []byte {
	return []byte{ack.InstanceID, 0, ack.Sequence, ack.Status}
}
