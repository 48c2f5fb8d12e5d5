package dbusmsg

func init() {
	MustRegisterType[uint8](DefaultRegistry)
	MustRegisterType[bool](DefaultRegistry)
	MustRegisterType[int16](DefaultRegistry)
	MustRegisterType[uint16](DefaultRegistry)
	MustRegisterType[int32](DefaultRegistry)
	MustRegisterType[uint32](DefaultRegistry)
	MustRegisterType[int64](DefaultRegistry)
	MustRegisterType[uint64](DefaultRegistry)
	MustRegisterType[float64](DefaultRegistry)
	MustRegisterType[string](DefaultRegistry)
	MustRegisterType[ObjectPath](DefaultRegistry)
	MustRegisterType[Signature](DefaultRegistry)
	MustRegisterType[UnixFD](DefaultRegistry)

	MustRegisterType[Variant](DefaultRegistry)
	MustRegisterType[[]byte](DefaultRegistry)
	MustRegisterType[[]string](DefaultRegistry)
	MustRegisterType[[]ObjectPath](DefaultRegistry)
	MustRegisterType[map[string]string](DefaultRegistry)
	MustRegisterType[map[string]Variant](DefaultRegistry)
}
