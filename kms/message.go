package kms

import (
	"fmt"
	"time"

	"github.com/xmdhs/kmsd/codec"
)

// machineNameRegion is the fixed size of the machine name, its terminator
// and the trailing padding.
const machineNameRegion = 128

var requestStructure = codec.MustNew("KmsRequest",
	codec.Uint16LE("versionMinor"),
	codec.Uint16LE("versionMajor"),
	codec.Uint32LE("isClientVm"),
	codec.Uint32LE("licenseStatus"),
	codec.Uint32LE("graceTime"),
	codec.Struct("applicationId", codec.UUIDStructure),
	codec.Struct("skuId", codec.UUIDStructure),
	codec.Struct("kmsCountedId", codec.UUIDStructure),
	codec.Struct("clientMachineId", codec.UUIDStructure),
	codec.Uint32LE("requiredClientCount"),
	codec.Uint64LE("requestTime"),
	codec.Struct("previousClientMachineId", codec.UUIDStructure),
	codec.UTF16Until("machineName", machineNameRegion-2),
	codec.Pad("machineNamePad", codec.Diff(codec.Const(machineNameRegion), codec.Len("machineName"))),
)

var responseStructure = codec.MustNew("KmsResponse",
	codec.Uint16LE("versionMinor"),
	codec.Uint16LE("versionMajor"),
	codec.Uint32LE("epidLen").Derived(codec.Len("kmsEpid").Plus(2)),
	codec.UTF16("kmsEpid", codec.Value("epidLen").Minus(2)),
	codec.Pad("epidTerminator", codec.Const(2)),
	codec.Struct("clientMachineId", codec.UUIDStructure),
	codec.Uint64LE("responseTime"),
	codec.Uint32LE("currentClientCount"),
	codec.Uint32LE("vLActivationInterval"),
	codec.Uint32LE("vLRenewalInterval"),
)

// genericHeader is read first from every request payload to find the
// protocol version. For V4 the version fields are the first bytes of the
// KMS request itself.
var genericHeader = codec.MustNew("GenericRequestHeader",
	codec.Uint32LE("bodyLength1"),
	codec.Uint32LE("bodyLength2"),
	codec.Uint16LE("versionMinor"),
	codec.Uint16LE("versionMajor"),
	codec.Remainder("remainder"),
)

// Request is a decoded activation request.
type Request struct {
	VersionMinor            uint16
	VersionMajor            uint16
	IsClientVM              uint32
	LicenseStatus           LicenseState
	GraceTime               uint32
	ApplicationID           codec.UUID
	SkuID                   codec.UUID
	KmsCountedID            codec.UUID
	ClientMachineID         codec.UUID
	RequiredClientCount     uint32
	RequestTime             uint64
	PreviousClientMachineID codec.UUID
	MachineName             string
}

// ParseRequest decodes a bare KMS request (without version envelope).
func ParseRequest(data []byte) (*Request, error) {
	rec, _, err := requestStructure.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return &Request{
		VersionMinor:            rec.Uint16("versionMinor"),
		VersionMajor:            rec.Uint16("versionMajor"),
		IsClientVM:              rec.Uint32("isClientVm"),
		LicenseStatus:           LicenseState(rec.Uint32("licenseStatus")),
		GraceTime:               rec.Uint32("graceTime"),
		ApplicationID:           rec.UUID("applicationId"),
		SkuID:                   rec.UUID("skuId"),
		KmsCountedID:            rec.UUID("kmsCountedId"),
		ClientMachineID:         rec.UUID("clientMachineId"),
		RequiredClientCount:     rec.Uint32("requiredClientCount"),
		RequestTime:             rec.Uint64("requestTime"),
		PreviousClientMachineID: rec.UUID("previousClientMachineId"),
		MachineName:             rec.String("machineName"),
	}, nil
}

func (r *Request) Record() codec.Record {
	return codec.Record{
		"versionMinor":            r.VersionMinor,
		"versionMajor":            r.VersionMajor,
		"isClientVm":              r.IsClientVM,
		"licenseStatus":           uint32(r.LicenseStatus),
		"graceTime":               r.GraceTime,
		"applicationId":           r.ApplicationID,
		"skuId":                   r.SkuID,
		"kmsCountedId":            r.KmsCountedID,
		"clientMachineId":         r.ClientMachineID,
		"requiredClientCount":     r.RequiredClientCount,
		"requestTime":             r.RequestTime,
		"previousClientMachineId": r.PreviousClientMachineID,
		"machineName":             r.MachineName,
	}
}

func (r *Request) Marshal() ([]byte, error) {
	return requestStructure.Marshal(r.Record())
}

// Time is the client clock at the moment of the request.
func (r *Request) Time() time.Time {
	return FileTimeToTime(r.RequestTime)
}

// Response is the activation answer before version specific wrapping.
type Response struct {
	VersionMinor       uint16
	VersionMajor       uint16
	KmsEpid            string
	ClientMachineID    codec.UUID
	ResponseTime       uint64
	CurrentClientCount uint32
	ActivationInterval uint32
	RenewalInterval    uint32
}

func ParseResponse(data []byte) (*Response, int, error) {
	rec, n, err := responseStructure.Unmarshal(data)
	if err != nil {
		return nil, 0, err
	}
	return &Response{
		VersionMinor:       rec.Uint16("versionMinor"),
		VersionMajor:       rec.Uint16("versionMajor"),
		KmsEpid:            rec.String("kmsEpid"),
		ClientMachineID:    rec.UUID("clientMachineId"),
		ResponseTime:       rec.Uint64("responseTime"),
		CurrentClientCount: rec.Uint32("currentClientCount"),
		ActivationInterval: rec.Uint32("vLActivationInterval"),
		RenewalInterval:    rec.Uint32("vLRenewalInterval"),
	}, n, nil
}

func (r *Response) Record() codec.Record {
	return codec.Record{
		"versionMinor":         r.VersionMinor,
		"versionMajor":         r.VersionMajor,
		"kmsEpid":              r.KmsEpid,
		"clientMachineId":      r.ClientMachineID,
		"responseTime":         r.ResponseTime,
		"currentClientCount":   r.CurrentClientCount,
		"vLActivationInterval": r.ActivationInterval,
		"vLRenewalInterval":    r.RenewalInterval,
	}
}

func (r *Response) Marshal() ([]byte, error) {
	return responseStructure.Marshal(r.Record())
}

// LicenseState is the client's licensing status as reported in a request.
type LicenseState uint32

var licenseStates = [...]string{
	"Unlicensed",
	"Activated",
	"Grace Period",
	"Out-of-Tolerance Grace Period",
	"Non-Genuine Grace Period",
	"Notifications Mode",
	"Extended Grace Period",
}

func (s LicenseState) String() string {
	if int(s) < len(licenseStates) {
		return licenseStates[s]
	}
	return fmt.Sprintf("Unknown (%d)", uint32(s))
}

// Padding returns the number of zero bytes that follow a body of n bytes.
func Padding(n int) int {
	return 4 + (((^n & 3) + 1) & 3)
}
