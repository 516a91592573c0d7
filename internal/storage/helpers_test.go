package storage

import logx "oraclebot/pkg/logx"

func nopLogger() logx.Logger { return logx.Nop() }
