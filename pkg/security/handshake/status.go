package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// StatusReportMinSize is the size of a status report without a system error.
const StatusReportMinSize = 6 // ProfileID(4) + StatusCode(2)

// ErrStatusReportTooShort is returned when decoding a truncated status report.
var ErrStatusReportTooShort = errors.New("security: status report too short")

// StatusCode is a status code within a profile.
type StatusCode uint16

// Common profile status codes.
const (
	StatusSuccess        StatusCode = 0x0000
	StatusBadRequest     StatusCode = 0x0010
	StatusUnsupportedMsg StatusCode = 0x0011
	StatusUnexpectedMsg  StatusCode = 0x0012
	StatusBusy           StatusCode = 0x0015
	StatusInternalError  StatusCode = 0x0050
	StatusTimeout        StatusCode = 0x0051
	StatusRateLimited    StatusCode = 0x0056
)

// Security profile status codes.
const (
	StatusSessionAborted                 StatusCode = 1
	StatusPASESupportsOnlyConfig1        StatusCode = 2
	StatusUnsupportedEncryptionType      StatusCode = 3
	StatusInvalidKeyID                   StatusCode = 4
	StatusDuplicateKeyID                 StatusCode = 5
	StatusKeyConfirmationFailed          StatusCode = 6
	StatusInternalSecurityError          StatusCode = 7
	StatusAuthenticationFailed           StatusCode = 8
	StatusUnsupportedCASEConfiguration   StatusCode = 9
	StatusUnsupportedCertificate         StatusCode = 10
	StatusNoCommonPASEConfigurations     StatusCode = 11
	StatusKeyNotFound                    StatusCode = 12
	StatusWrongEncryptionType            StatusCode = 13
	StatusUnknownKeyType                 StatusCode = 14
	StatusInvalidUseOfSessionKey         StatusCode = 15
	StatusInternalKeyError               StatusCode = 16
	StatusNoCommonKeyExportConfiguration StatusCode = 17
	StatusUnauthorizedKeyExportRequest   StatusCode = 18
)

// StatusReport is a peer-visible status message.
type StatusReport struct {
	ProfileID   uint32
	StatusCode  StatusCode
	SystemError uint32 // optional, zero when absent
}

// Encode serializes the status report.
func (s *StatusReport) Encode() []byte {
	size := StatusReportMinSize
	if s.SystemError != 0 {
		size += 4
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], s.ProfileID)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(s.StatusCode))
	if s.SystemError != 0 {
		binary.LittleEndian.PutUint32(buf[6:10], s.SystemError)
	}
	return buf
}

// DecodeStatusReport parses a status report.
func DecodeStatusReport(data []byte) (*StatusReport, error) {
	if len(data) < StatusReportMinSize {
		return nil, ErrStatusReportTooShort
	}
	s := &StatusReport{
		ProfileID:  binary.LittleEndian.Uint32(data[0:4]),
		StatusCode: StatusCode(binary.LittleEndian.Uint16(data[4:6])),
	}
	if len(data) >= StatusReportMinSize+4 {
		s.SystemError = binary.LittleEndian.Uint32(data[6:10])
	}
	return s, nil
}

// IsSuccess reports whether the status is a common-profile success.
func (s *StatusReport) IsSuccess() bool {
	return s.ProfileID == ProfileCommon && s.StatusCode == StatusSuccess
}

// String returns a human-readable representation.
func (s *StatusReport) String() string {
	return fmt.Sprintf("StatusReport{Profile: 0x%08X, Code: %d}", s.ProfileID, s.StatusCode)
}

type statusMapping struct {
	err    *Error
	report StatusReport
}

var statusTable = []statusMapping{
	{ErrBusy, StatusReport{ProfileID: ProfileCommon, StatusCode: StatusBusy}},
	{ErrPeerBusy, StatusReport{ProfileID: ProfileCommon, StatusCode: StatusBusy}},
	{ErrUnexpectedMessage, StatusReport{ProfileID: ProfileCommon, StatusCode: StatusUnexpectedMsg}},
	{ErrInvalidMessage, StatusReport{ProfileID: ProfileCommon, StatusCode: StatusBadRequest}},
	{ErrRateLimitExceeded, StatusReport{ProfileID: ProfileCommon, StatusCode: StatusRateLimited}},
	{ErrTimeout, StatusReport{ProfileID: ProfileCommon, StatusCode: StatusTimeout}},
	{ErrSessionAborted, StatusReport{ProfileID: ProfileSecurity, StatusCode: StatusSessionAborted}},
	{ErrTooManyReconfigurations, StatusReport{ProfileID: ProfileSecurity, StatusCode: StatusSessionAborted}},
	{ErrUnsupportedEncryption, StatusReport{ProfileID: ProfileSecurity, StatusCode: StatusUnsupportedEncryptionType}},
	{ErrInvalidKeyID, StatusReport{ProfileID: ProfileSecurity, StatusCode: StatusInvalidKeyID}},
	{ErrDuplicateKeyID, StatusReport{ProfileID: ProfileSecurity, StatusCode: StatusDuplicateKeyID}},
	{ErrKeyConfirmationFailed, StatusReport{ProfileID: ProfileSecurity, StatusCode: StatusKeyConfirmationFailed}},
	{ErrAuthenticationFailed, StatusReport{ProfileID: ProfileSecurity, StatusCode: StatusAuthenticationFailed}},
	{ErrInvalidSignature, StatusReport{ProfileID: ProfileSecurity, StatusCode: StatusAuthenticationFailed}},
	{ErrInvalidPublicKey, StatusReport{ProfileID: ProfileSecurity, StatusCode: StatusAuthenticationFailed}},
	{ErrNoCommonConfig, StatusReport{ProfileID: ProfileSecurity, StatusCode: StatusUnsupportedCASEConfiguration}},
	{ErrKeyNotFound, StatusReport{ProfileID: ProfileSecurity, StatusCode: StatusKeyNotFound}},
	{ErrUnauthorizedKeyExport, StatusReport{ProfileID: ProfileSecurity, StatusCode: StatusUnauthorizedKeyExportRequest}},
}

// StatusForError returns the status report describing err to the peer.
// Unclassified errors map to an internal error.
func StatusForError(err error) *StatusReport {
	for i := range statusTable {
		if errors.Is(err, statusTable[i].err) {
			r := statusTable[i].report
			return &r
		}
	}
	return &StatusReport{ProfileID: ProfileCommon, StatusCode: StatusInternalError}
}

// Err returns the local error for a status report received from the peer.
// The first table entry matching the report wins; unmatched non-success
// reports map to ErrStatusReport.
func (s *StatusReport) Err() error {
	if s.IsSuccess() {
		return nil
	}
	if s.ProfileID == ProfileCommon && s.StatusCode == StatusBusy {
		return ErrPeerBusy
	}
	if s.ProfileID == ProfileSecurity {
		switch s.StatusCode {
		case StatusNoCommonPASEConfigurations, StatusPASESupportsOnlyConfig1,
			StatusUnsupportedCASEConfiguration, StatusNoCommonKeyExportConfiguration:
			return ErrNoCommonConfig
		}
	}
	for i := range statusTable {
		if statusTable[i].report.ProfileID == s.ProfileID && statusTable[i].report.StatusCode == s.StatusCode {
			return statusTable[i].err
		}
	}
	return ErrStatusReport
}
