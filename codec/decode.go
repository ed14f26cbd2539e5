package codec

import "encoding/binary"

const (
	dioHeaderLen = 24 // instance_id..rssi (8) + dag_id (16)
	disLen       = 2
	daoHeaderLen = 4 // instance_id, flags, reserved, sequence
	daoAckLen    = 4
)

// DecodeDIO parses a raw RPL ICMPv6 payload carrying a DIO, including the
// mobility-extended header fields and every mandatory sub-option. It fails
// with ErrMalformed per the conditions in spec.md section 4.1.
func DecodeDIO(b []byte) (DioMessage, error) {
	var dio DioMessage
	if len(b) < dioHeaderLen {
		return dio, ErrMalformed
	}

	dio.InstanceID = b[0]
	dio.Version = b[1]
	dio.Rank = binary.BigEndian.Uint16(b[2:4])

	flags := b[4]
	dio.Grounded = flags&dioGroundedBit != 0
	dio.MOP = (flags & dioMOPMask) >> dioMOPShift
	dio.Preference = flags & dioPreferenceMk

	dio.DTSN = b[5]
	dio.MobilityFlags = b[6]
	dio.RSSI = b[7]
	copy(dio.DagID[:], b[8:24])

	pos := dioHeaderLen
	for pos < len(b) {
		optType := b[pos]
		if optType == OptionPad1 {
			pos++
			continue
		}
		if pos+2 > len(b) {
			return DioMessage{}, ErrMalformed
		}
		payloadLen := int(b[pos+1])
		total := 2 + payloadLen
		if pos+total > len(b) {
			return DioMessage{}, ErrMalformed
		}
		opt := b[pos : pos+total]

		switch optType {
		case OptionMetricContainer:
			mc, err := decodeMetricContainer(opt)
			if err != nil {
				return DioMessage{}, err
			}
			dio.Metric = mc
		case OptionRouteInfo:
			ri, err := decodeRouteInfo(opt)
			if err != nil {
				return DioMessage{}, err
			}
			dio.Route = ri
		case OptionDagConfig:
			dc, err := decodeDagConfig(opt)
			if err != nil {
				return DioMessage{}, err
			}
			dio.DagConfig = dc
		case OptionPrefixInfo:
			pi, err := decodePrefixInfo(opt)
			if err != nil {
				return DioMessage{}, err
			}
			dio.Prefix = pi
		default:
			// Unknown sub-option types are skipped after honoring their
			// length byte.
		}
		pos += total
	}

	return dio, nil
}

func decodeMetricContainer(opt []byte) (*MetricContainer, error) {
	// opt[0]=type, opt[1]=len, payload starts at opt[2].
	if len(opt) < 6 {
		return nil, ErrMalformed
	}
	mc := &MetricContainer{
		Type:        opt[2],
		Aggregation: (opt[4] >> 4) & 0x3,
		Precedence:  opt[4] & 0xf,
	}
	mc.Flags = opt[3]<<1 | opt[4]>>7

	switch mc.Type {
	case MetricNone:
		// No payload to interpret.
	case MetricETX:
		if len(opt) < 8 {
			return nil, ErrMalformed
		}
		mc.ETX = binary.BigEndian.Uint16(opt[6:8])
	case MetricEnergy:
		if len(opt) < 8 {
			return nil, ErrMalformed
		}
		mc.EnergyFlags = opt[6]
		mc.EnergyEst = opt[7]
	default:
		return nil, ErrMalformed
	}
	return mc, nil
}

func decodeRouteInfo(opt []byte) (*RouteInfo, error) {
	if len(opt) < 9 {
		return nil, ErrMalformed
	}
	ri := &RouteInfo{
		PrefixLength: opt[2],
		Flags:        opt[3],
		Lifetime:     binary.BigEndian.Uint32(opt[4:8]),
	}
	if ri.PrefixLength > 128 {
		return nil, ErrMalformed
	}
	need := (int(ri.PrefixLength) + 7) / 8
	if len(opt) < 8+need {
		return nil, ErrMalformed
	}
	copy(ri.Prefix[:need], opt[8:8+need])
	return ri, nil
}

func decodeDagConfig(opt []byte) (*DagConfig, error) {
	// Total wire length must be 16 (2 header + 14 payload).
	if len(opt) != 16 {
		return nil, ErrMalformed
	}
	return &DagConfig{
		IntervalDoublings: opt[3],
		IntervalMin:       opt[4],
		Redundancy:        opt[5],
		MaxRankInc:        binary.BigEndian.Uint16(opt[6:8]),
		MinHopRankInc:     binary.BigEndian.Uint16(opt[8:10]),
		OCP:               binary.BigEndian.Uint16(opt[10:12]),
		DefaultLifetime:   opt[13],
		LifetimeUnit:      binary.BigEndian.Uint16(opt[14:16]),
	}, nil
}

func decodePrefixInfo(opt []byte) (*PrefixInfo, error) {
	if len(opt) != 32 {
		return nil, ErrMalformed
	}
	pi := &PrefixInfo{
		Length:            opt[2],
		Flags:             opt[3],
		ValidLifetime:     binary.BigEndian.Uint32(opt[4:8]),
		PreferredLifetime: binary.BigEndian.Uint32(opt[8:12]),
	}
	copy(pi.Prefix[:], opt[16:32])
	return pi, nil
}

// DecodeDIS parses the 2-octet DIS payload.
func DecodeDIS(b []byte) (DisMessage, error) {
	if len(b) < disLen {
		return DisMessage{}, ErrMalformed
	}
	return DisMessage{
		F: b[1]&0x80 != 0,
		C: (b[1] & 0x60) >> 5,
	}, nil
}

// DecodeDAO parses a raw RPL ICMPv6 payload carrying a DAO.
func DecodeDAO(b []byte) (DaoMessage, error) {
	if len(b) < daoHeaderLen {
		return DaoMessage{}, ErrMalformed
	}

	dao := DaoMessage{
		InstanceID: b[0],
		K:          b[1]&daoKFlag != 0,
		D:          b[1]&daoDFlag != 0,
		Sequence:   b[3],
	}

	pos := daoHeaderLen
	if dao.D {
		if pos+16 > len(b) {
			return DaoMessage{}, ErrMalformed
		}
		copy(dao.DagID[:], b[pos:pos+16])
		dao.HasDagID = true
		pos += 16
	}

	for pos < len(b) {
		optType := b[pos]
		if optType == OptionPad1 {
			pos++
			continue
		}
		if pos+2 > len(b) {
			return DaoMessage{}, ErrMalformed
		}
		payloadLen := int(b[pos+1])
		total := 2 + payloadLen
		if pos+total > len(b) {
			return DaoMessage{}, ErrMalformed
		}
		opt := b[pos : pos+total]

		switch optType {
		case OptionTarget:
			if len(opt) < 4 {
				return DaoMessage{}, ErrMalformed
			}
			prefixLen := opt[3]
			need := (int(prefixLen) + 7) / 8
			if len(opt) < 4+need {
				return DaoMessage{}, ErrMalformed
			}
			t := &Target{PrefixLength: prefixLen}
			copy(t.Prefix[:need], opt[4:4+need])
			dao.Target = t
		case OptionTransit:
			if len(opt) != 6 {
				return DaoMessage{}, ErrMalformed
			}
			dao.Transit = &Transit{
				Flags:        opt[2],
				PathControl:  opt[3],
				PathSequence: opt[4],
				Lifetime:     opt[5],
			}
		default:
			// Unknown/unneeded sub-options are skipped.
		}
		pos += total
	}

	return dao, nil
}

// DecodeDAOAck parses the 4-octet DAO-ACK payload.
func DecodeDAOAck(b []byte) (DaoAck, error) {
	if len(b) < daoAckLen {
		return DaoAck{}, ErrMalformed
	}
	return DaoAck{
		InstanceID: b[0],
		Sequence:   b[2],
		Status:     b[3],
	}, nil
}
