package source

import (
	"database/sql"
	"errors"
	"time"

	"github.com/buildsafe/sitesync/internal/model"
)

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// statActive is the literal the legacy system writes for an active employee.
const statActive = "A"

// employeeRow is the typed shape of one employee/partner join row. Columns map
// explicitly; no dynamic row access.
type employeeRow struct {
	EmpCd    string         `db:"emp_cd"`
	EmpNm    string         `db:"emp_nm"`
	PrtNm    sql.NullString `db:"prt_nm"`
	PhoneNo  sql.NullString `db:"phone_no"`
	RegnoPre sql.NullString `db:"regno_pre"`
	StatCd   sql.NullString `db:"stat_cd"`
	HireDt   sql.NullTime   `db:"hire_dt"`
	RetrDt   sql.NullTime   `db:"retr_dt"`
	TradeCd  sql.NullString `db:"trade_cd"`
	PosiCd   sql.NullString `db:"posi_cd"`
	RoleCd   sql.NullString `db:"role_cd"`
	ViolCnt  sql.NullInt64  `db:"viol_cnt"`
	UpdDttm  time.Time      `db:"upd_dttm"`
}

// mapEmployee converts one legacy row into the domain record.
func mapEmployee(r employeeRow) model.ExternalEmployee {
	e := model.ExternalEmployee{
		WorkerID:   r.EmpCd,
		Name:       r.EmpNm,
		Company:    r.PrtNm.String,
		Phone:      r.PhoneNo.String,
		NationalID: r.RegnoPre.String,
		Active:     r.StatCd.String == statActive,
		Trade:      r.TradeCd.String,
		Position:   r.PosiCd.String,
		RoleCode:   r.RoleCd.String,
		Violations: int(r.ViolCnt.Int64),
		UpdatedAt:  r.UpdDttm,
	}
	if r.HireDt.Valid {
		t := r.HireDt.Time
		e.HiredAt = &t
	}
	if r.RetrDt.Valid {
		t := r.RetrDt.Time
		e.RetiredAt = &t
	}
	return e
}

// attendanceRow is the typed shape of one access_daily row.
type attendanceRow struct {
	EmpCd  string         `db:"emp_cd"`
	Day    time.Time      `db:"day"`
	InTm   sql.NullString `db:"in_tm"`
	OutTm  sql.NullString `db:"out_tm"`
	StatCd sql.NullString `db:"stat_cd"`
}

func mapAttendance(r attendanceRow) model.SourceAttendance {
	return model.SourceAttendance{
		WorkerID: r.EmpCd,
		Day:      r.Day.Format("2006-01-02"),
		InTime:   r.InTm.String,
		OutTime:  r.OutTm.String,
		Status:   r.StatCd.String,
	}
}
